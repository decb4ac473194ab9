package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/qdesk-io/qdesk/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		get("/api/health")
	case "queue":
		if len(os.Args) >= 3 && os.Args[2] == "deferred" {
			get("/api/queue/deferred")
		} else {
			get("/api/queue")
		}
	case "windows":
		if len(os.Args) < 3 {
			get("/api/windows")
			return
		}
		switch os.Args[2] {
		case "list":
			get("/api/windows")
		case "claim", "release", "heartbeat":
			if len(os.Args) < 5 {
				fmt.Fprintf(os.Stderr, "usage: qdeskctl windows %s <window> <staff> [shift]\n", os.Args[2])
				os.Exit(1)
			}
			body := map[string]string{"staff_id": os.Args[4]}
			if len(os.Args) > 5 {
				body["shift"] = os.Args[5]
			}
			post("/api/windows/"+os.Args[3]+"/"+os.Args[2], body)
		default:
			fmt.Fprintf(os.Stderr, "unknown windows subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "next":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: qdeskctl next <window> <staff>")
			os.Exit(1)
		}
		post("/api/windows/"+os.Args[2]+"/next", map[string]string{"staff_id": os.Args[3]})
	case "ticket":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: qdeskctl ticket <id>")
			os.Exit(1)
		}
		get("/api/tickets/" + os.Args[2])
	case "session":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: qdeskctl session <open|close> [date]")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "open":
			body := map[string]string{}
			if len(os.Args) > 3 {
				body["date"] = os.Args[3]
			}
			post("/api/sessions/open", body)
		case "close":
			post("/api/sessions/close", map[string]string{})
		default:
			fmt.Fprintf(os.Stderr, "unknown session subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "logs":
		get("/api/logs")
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: qdeskctl config validate <path>")
			os.Exit(1)
		}
		if _, err := config.Load(os.Args[3]); err != nil {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("config OK")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`qdeskctl — qdesk operator CLI

Usage:
  qdeskctl health
  qdeskctl queue [deferred]
  qdeskctl windows [list]
  qdeskctl windows claim <window> <staff> [shift]
  qdeskctl windows release <window> <staff> [shift]
  qdeskctl windows heartbeat <window> <staff>
  qdeskctl next <window> <staff>
  qdeskctl ticket <id>
  qdeskctl session open [date]
  qdeskctl session close
  qdeskctl logs
  qdeskctl config validate <path>

Environment:
  QDESK_URL      daemon base URL (default http://localhost:8080)
  QDESK_API_KEY  bearer key, if the daemon requires one`)
}

func baseURL() string {
	if v := os.Getenv("QDESK_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func get(path string) {
	req, err := http.NewRequest(http.MethodGet, baseURL()+path, nil)
	if err != nil {
		fatal(err)
	}
	do(req)
}

func post(path string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, baseURL()+path, bytes.NewReader(payload))
	if err != nil {
		fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	do(req)
}

func do(req *http.Request) {
	if key := os.Getenv("QDESK_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
