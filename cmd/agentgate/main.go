// Command agentgate is a small client for the broker's unix socket, useful
// for smoke-testing a deployment and for shell scripts that need a secret:
//
//	agentgate read -reason "deploy webhook" op://secrets/stripe/api-key
//	agentgate ping
//	agentgate status
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rudenavuud/agent-gate/common/environment"
	"github.com/rudenavuud/agent-gate/common/version"
	"github.com/rudenavuud/agent-gate/internal/gate/config"
)

const usage = `Usage:
  agentgate read [-socket PATH] [-timeout DUR] -reason TEXT <reference>
  agentgate ping [-socket PATH] [-timeout DUR]
  agentgate status [-socket PATH] [-timeout DUR]
  agentgate version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	if cmd == "version" {
		fmt.Println("agentgate", version.Info())
		return
	}
	flags := flag.NewFlagSet(cmd, flag.ExitOnError)
	socketPath := flags.String("socket",
		environment.StringOr(config.EnvSocketPath, config.DefaultSocketPath),
		"broker socket path")
	timeout := flags.Duration("timeout", 5*time.Minute,
		"how long to wait for a reply (approvals can take a while)")
	reason := flags.String("reason", "", "why the secret is needed (read only)")
	flags.Parse(os.Args[2:])

	var request map[string]string
	switch cmd {
	case "read":
		if flags.NArg() != 1 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		request = map[string]string{
			"action": "read",
			"uri":    flags.Arg(0),
			"reason": *reason,
		}
	case "ping", "status":
		request = map[string]string{"action": cmd}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s", cmd, usage)
		os.Exit(2)
	}

	reply, err := roundTrip(*socketPath, *timeout, request)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// A read prints the bare value so scripts can capture it; everything
	// else (and every error) prints the broker's JSON.
	if cmd == "read" {
		if errMsg, ok := reply["error"]; ok {
			fmt.Fprintf(os.Stderr, "Error: %v\n", errMsg)
			os.Exit(1)
		}
		fmt.Println(reply["value"])
		return
	}
	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
}

// roundTrip sends one request line over the socket and decodes the single
// reply line.
func roundTrip(socketPath string, timeout time.Duration, request map[string]string) (map[string]any, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	line, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	reader := bufio.NewReader(conn)
	replyLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(replyLine, &reply); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	return reply, nil
}
