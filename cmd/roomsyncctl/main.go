package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/roomsync/internal/lock"
	"github.com/matheus3301/roomsync/internal/session"
	"github.com/matheus3301/roomsync/internal/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type statusOutput struct {
	Session   string    `json:"session"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Engine    string    `json:"engine"`
	Reachable bool      `json:"reachable"`
}

type sessionOutput struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		os.Exit(cmdStatus(ctx, sessionName, *jsonFlag))
	case "sessions":
		if len(args) >= 2 && args[1] == "list" {
			cmdSessionsList(*jsonFlag)
		} else {
			fmt.Fprintln(os.Stderr, "usage: roomsyncctl sessions list")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: roomsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show daemon and engine health")
	fmt.Fprintln(os.Stderr, "  sessions list    List known sessions")
}

// cmdStatus exits 0 only when the engine is serving.
func cmdStatus(ctx context.Context, sessionName string, jsonOut bool) int {
	out := statusOutput{Session: sessionName, Engine: "UNKNOWN"}

	holder, err := lock.Inspect(session.Dir(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	out.Running, out.PID, out.Since = holder.Held, holder.PID, holder.Since

	if holder.Held {
		conn, err := grpc.NewClient(
			"unix://"+session.SocketPath(sessionName),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
			return 1
		}
		defer func() { _ = conn.Close() }()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: status.HealthService})
		if err == nil {
			out.Reachable = true
			out.Engine = resp.Status.String()
		}
	}

	if jsonOut {
		outputJSON(out)
	} else {
		fmt.Printf("Session: %s\n", out.Session)
		if out.Running {
			fmt.Printf("Daemon:  running (pid %d, since %s)\n", out.PID, out.Since.Format(time.RFC3339))
		} else {
			fmt.Println("Daemon:  stopped")
		}
		fmt.Printf("Engine:  %s\n", out.Engine)
	}
	if out.Engine != healthpb.HealthCheckResponse_SERVING.String() {
		return 1
	}
	return 0
}

func cmdSessionsList(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	sessions := make([]sessionOutput, 0, len(names))
	for _, name := range names {
		s := sessionOutput{Name: name, Path: session.Dir(name)}
		if holder, err := lock.Inspect(s.Path); err == nil {
			s.Running, s.PID = holder.Held, holder.PID
		}
		sessions = append(sessions, s)
	}

	if jsonOut {
		outputJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range sessions {
		running := "stopped"
		if s.Running {
			running = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
