package collab

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHandleErrorRecovers(t *testing.T) {
	recovered := []error{}
	r := HandleError("1/7", func() {
		panic(fmt.Errorf("bad handler"))
	}, func(err error) {
		recovered = append(recovered, err)
	})
	assert.NotEqual(t, r, nil)
	assert.Equal(t, len(recovered), 1)
	assert.Equal(t, recovered[0].Error(), "bad handler")

	// non-error panic values are wrapped
	r = HandleError("1/7", func() {
		panic("plain string")
	}, func(err error) {
		assert.Equal(t, err.Error(), "plain string")
	})
	assert.NotEqual(t, r, nil)
}

func TestHandleErrorPassesThrough(t *testing.T) {
	called := false
	r := HandleError("1/7", func() {
		called = true
	}, func(err error) {
		t.Fatal("handler ran without a panic")
	})
	assert.Equal(t, r, nil)
	assert.Equal(t, called, true)
}
