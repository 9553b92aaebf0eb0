package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"coedit.dev/collab/collab"
	"coedit.dev/collab/protocol"
)

const CollabdVersion = "0.0.1"

func main() {
	usage := `Collab session server.

Usage:
    collabd serve --auth_secret=<auth_secret>
        [--listen=<listen>]
        [--pg=<pg>]
        [--redis=<redis>]
        [--media_key=<media_key> --media_secret=<media_secret>]
    collabd mint-token --auth_secret=<auth_secret>
        --user_id=<user_id>
        [--service]
        [--ttl=<ttl>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --listen=<listen>              Listen address [default: :8080].
    --pg=<pg>                      Postgres url. Omit to run on the in-memory store.
    --redis=<redis>                Redis url for the multi-node broadcast relay.
    --auth_secret=<auth_secret>    Shared secret for client token verification.
    --media_key=<media_key>        Media service api key.
    --media_secret=<media_secret>  Media service secret. Omit to disable media tokens.
    --user_id=<user_id>            User id to mint a token for.
    --service                      Mint a service principal token.
    --ttl=<ttl>                    Token lifetime [default: 24h].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabdVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Parse()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	}
}

func serve(opts docopt.Opts) {
	ctx := context.Background()

	listen, _ := opts.String("--listen")
	authSecret, _ := opts.String("--auth_secret")

	var store collab.Store
	if pgUrl, err := opts.String("--pg"); err == nil && pgUrl != "" {
		pgStore, err := collab.NewPgStore(ctx, pgUrl)
		if err != nil {
			panic(err)
		}
		store = pgStore
	} else {
		glog.Infof("[collabd]no --pg, state will not survive a restart\n")
		store = collab.NewMemoryStore()
	}
	defer store.Close()

	var relay collab.Relay = &collab.NoopRelay{}
	if redisUrl, err := opts.String("--redis"); err == nil && redisUrl != "" {
		redisOpts, err := redis.ParseURL(redisUrl)
		if err != nil {
			panic(err)
		}
		relay = collab.NewRedisRelay(ctx, redis.NewClient(redisOpts))
	}

	mediaKey, _ := opts.String("--media_key")
	mediaSecret, _ := opts.String("--media_secret")
	media := collab.NewMediaTokenIssuerWithDefaults(mediaKey, mediaSecret)

	server, err := collab.NewServer(
		ctx,
		store,
		collab.NewAuthenticator(authSecret),
		media,
		relay,
		collab.DefaultServerSettings(),
	)
	if err != nil {
		panic(err)
	}
	defer server.Close()

	glog.Infof("[collabd]listening on %s\n", listen)
	if err := http.ListenAndServe(listen, server.Router()); err != nil {
		panic(err)
	}
}

func mintToken(opts docopt.Opts) {
	authSecret, _ := opts.String("--auth_secret")
	userId, err := opts.Int("--user_id")
	if err != nil {
		panic(err)
	}
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		panic(err)
	}

	kind := protocol.PrincipalUser
	if service_, _ := opts.Bool("--service"); service_ {
		kind = protocol.PrincipalService
	}

	auth := collab.NewAuthenticator(authSecret)
	token, err := auth.MintToken(protocol.UserId(userId), kind, ttl)
	if err != nil {
		panic(err)
	}
	fmt.Println(token)
}
