package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/meshctl/internal/bridge"
)

func main() {
	base := flag.String("bridge", "http://localhost:9400", "bridge base url of any mesh cell")
	timeout := flag.Duration("timeout", 10*time.Second, "call timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: meshcall [-bridge URL] <namespace/method> [json-args]")
		os.Exit(2)
	}
	capability := args[0]

	callArgs := map[string]any{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
			fmt.Fprintf(os.Stderr, "meshcall: parse args: %v\n", err)
			os.Exit(2)
		}
	}

	client, err := bridge.NewClient(*base, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshcall: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := client.Call(ctx, capability, callArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshcall: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshcall: encode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
	if !resp.OK {
		os.Exit(1)
	}
}
