// pokequery submits a query to a running pokemesh gateway over NATS and
// prints the aggregated answer.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

type queryRequest struct {
	Query string `json:"query"`
}

type fragment struct {
	TaskID  string          `json:"taskId"`
	AgentID string          `json:"agentId"`
	Skill   string          `json:"skill"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Cause  string `json:"cause"`
		Detail string `json:"detail"`
	} `json:"error,omitempty"`
}

type aggregate struct {
	Query     string     `json:"query"`
	Fragments []fragment `json:"fragments"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
}

type session struct {
	ID        string          `json:"id"`
	State     string          `json:"state"`
	Aggregate json.RawMessage `json:"aggregate,omitempty"`
	Error     *struct {
		Cause  string `json:"cause"`
		Detail string `json:"detail"`
	} `json:"error,omitempty"`
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  pokequery ask --query "..." [--timeout 30s]`)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  NATS_URL   Gateway bus address (default nats://localhost:4222)")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 || os.Args[1] != "ask" {
		usage()
	}

	args := parseArgs(os.Args[2:])
	if args["query"] == "" {
		fatal("--query is required")
	}

	timeout := 35 * time.Second
	if args["timeout"] != "" {
		d, err := time.ParseDuration(args["timeout"])
		if err != nil {
			fatal("invalid --timeout: %v", err)
		}
		timeout = d
	}

	sess, err := submit(natsURL, args["query"], timeout)
	if err != nil {
		fatal("%v", err)
	}
	printSession(sess)
}

func submit(natsURL, query string, timeout time.Duration) (*session, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(queryRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request("host.query.submit", data, timeout)
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}

	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(msg.Data, &errResp) == nil && errResp.Error != "" {
		return nil, fmt.Errorf("%s", errResp.Error)
	}

	var sess session
	if err := json.Unmarshal(msg.Data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func printSession(sess *session) {
	fmt.Printf("Session %s [%s]\n", sess.ID, sess.State)

	if sess.Error != nil {
		fmt.Printf("  error: %s (%s)\n", sess.Error.Detail, sess.Error.Cause)
	}

	if len(sess.Aggregate) == 0 {
		return
	}

	var agg aggregate
	if err := json.Unmarshal(sess.Aggregate, &agg); err != nil {
		fmt.Printf("  (unreadable aggregate: %v)\n", err)
		return
	}

	for _, frag := range agg.Fragments {
		if frag.OK {
			fmt.Printf("\n%s / %s:\n%s\n", frag.AgentID, frag.Skill, indentJSON(frag.Payload))
		} else {
			detail := ""
			cause := "unknown"
			if frag.Error != nil {
				detail = frag.Error.Detail
				cause = frag.Error.Cause
			}
			fmt.Printf("\n%s / %s: failed (%s) %s\n", frag.AgentID, frag.Skill, cause, detail)
		}
	}
	fmt.Printf("\n%d succeeded, %d failed\n", agg.Succeeded, agg.Failed)
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return string(raw)
	}
	return "  " + string(out)
}
