package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/hyperstack/liveview"
)

const StackCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Stack live view control.

Tail or read live views from a stack endpoint. Output is one JSON
document per line on stdout.

Usage:
    stackctl get --endpoint=<endpoint> --view=<view> [--key=<key>] [--list]
        [--jwt=<jwt>] [--take=<take>] [--skip=<skip>]
    stackctl watch --endpoint=<endpoint> --view=<view> [--list] [--rich]
        [--jwt=<jwt>] [--take=<take>] [--skip=<skip>]
    stackctl token [--jwt=<jwt>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --endpoint=<endpoint>    Stack websocket endpoint, e.g. wss://stack.example.com/live.
    --view=<view>            View name.
    --key=<key>              Primary key, for state views.
    --list                   Treat the view as a list view.
    --rich                   Emit before/after diffs while watching.
    --jwt=<jwt>              Stack access token. Falls back to STACK_JWT,
                             then an interactive prompt.
    --take=<take>            Server-side row cap.
    --skip=<skip>            Server-side offset.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StackCtlVersion)
	if err != nil {
		panic(err)
	}

	if get, _ := opts.Bool("get"); get {
		getOne(opts)
	} else if watch, _ := opts.Bool("watch"); watch {
		watchView(opts)
	} else if token, _ := opts.Bool("token"); token {
		describeToken(opts)
	}
}

func getOne(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	conn, view, query := dial(ctx, opts)
	defer conn.Disconnect()

	if isList, _ := opts.Bool("--list"); isList {
		entities, err := view.GetAll(ctx, query)
		if err != nil {
			Err.Fatalf("get error = %s", err)
		}
		for _, entity := range entities {
			Out.Println(toJson(entity))
		}
	} else {
		entity, err := view.Get(ctx, query)
		if err != nil {
			Err.Fatalf("get error = %s", err)
		}
		if entity == nil {
			Out.Println("null")
		} else {
			Out.Println(toJson(entity))
		}
	}
}

func watchView(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	conn, view, query := dial(ctx, opts)
	defer conn.Disconnect()

	if rich, _ := opts.Bool("--rich"); rich {
		for update := range view.WatchRich(ctx, query) {
			Out.Println(toJson(map[string]any{
				"op":     update.Op,
				"key":    update.Key,
				"before": update.Before,
				"after":  update.After,
			}))
		}
	} else {
		for entity := range view.Watch(ctx, query) {
			Out.Println(toJson(entity))
		}
	}
}

func describeToken(opts docopt.Opts) {
	byJwt, err := liveview.ParseByJwtUnverified(requireJwt(opts))
	if err != nil {
		Err.Fatalf("token error = %s", err)
	}
	Out.Println(toJson(map[string]any{
		"stack_id":     byJwt.StackId.String(),
		"project_id":   byJwt.ProjectId.String(),
		"network_name": byJwt.NetworkName,
		"expires_at":   byJwt.ExpiresAt,
	}))
}

func dial(ctx context.Context, opts docopt.Opts) (*liveview.Connection, *liveview.View, *liveview.Query) {
	endpoint, _ := opts.String("--endpoint")
	viewName, _ := opts.String("--view")

	auth := &liveview.ClientAuth{
		ByJwt:      requireJwt(opts),
		InstanceId: liveview.NewId(),
		AppVersion: StackCtlVersion,
	}

	conn, err := liveview.ConnectWithDefaults(ctx, endpoint, auth)
	if err != nil {
		Err.Fatalf("connect error = %s", err)
	}

	path := liveview.StateView(viewName)
	if isList, _ := opts.Bool("--list"); isList {
		path = liveview.ListView(viewName)
	}

	query := &liveview.Query{}
	if key, err := opts.String("--key"); err == nil {
		query.Key = key
	}
	if takeStr, err := opts.String("--take"); err == nil {
		if take, err := strconv.Atoi(takeStr); err == nil {
			query.Take = take
		}
	}
	if skipStr, err := opts.String("--skip"); err == nil {
		if skip, err := strconv.Atoi(skipStr); err == nil {
			query.Skip = skip
		}
	}

	return conn, conn.View(path, nil), query
}

func requireJwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	if jwt := os.Getenv("STACK_JWT"); jwt != "" {
		return jwt
	}
	fmt.Fprint(os.Stderr, "token: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("token error = %s", err)
	}
	return string(jwtBytes)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func toJson(value any) string {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%q", err.Error())
	}
	return string(b)
}
