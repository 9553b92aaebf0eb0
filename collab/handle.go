package collab

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/golang/glog"
)

// HandleError runs do, recovering any panic and passing it to the given
// handlers. tag names the connection or loop the work belongs to, so a
// recovered panic can be traced back to its dispatch source. Used at the
// dispatch boundary so one bad request tears down its own connection
// instead of the process.
func HandleError(tag string, do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("[%s]recovered panic = %s\n", tag, panicJson(tag, r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func panicJson(tag string, err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	b, _ := json.Marshal(map[string]any{
		"tag":   tag,
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(b)
}
