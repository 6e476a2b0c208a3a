package querydeckctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/querydeck/querydeck/internal/nlq"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("querydeckctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "QueryDeck API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 30s)")
	sqlText := fs.String("sql", "", "SQL for the export command")
	outPath := fs.String("out", "", "output file for the export command")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	base := strings.TrimRight(*baseURL, "/")

	command := strings.TrimSpace(fs.Arg(0))
	switch command {
	case "health":
		return runJSON(ctx, client, http.MethodGet, base+"/v1/health", *apiKey, nil, stdout, stderr)
	case "ready":
		return runJSON(ctx, client, http.MethodGet, base+"/v1/ready", *apiKey, nil, stdout, stderr)
	case "tables":
		return runJSON(ctx, client, http.MethodGet, base+"/v1/tables", *apiKey, nil, stdout, stderr)
	case "history":
		return runJSON(ctx, client, http.MethodGet, base+"/v1/history", *apiKey, nil, stdout, stderr)
	case "ask":
		question := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if question == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a question")
			return 2
		}
		return runAsk(ctx, client, base, *apiKey, question, stdout, stderr)
	case "export":
		if strings.TrimSpace(*sqlText) == "" || strings.TrimSpace(*outPath) == "" {
			_, _ = fmt.Fprintln(stderr, "export requires -sql and -out")
			return 2
		}
		return runExport(ctx, client, base, *apiKey, *sqlText, *outPath, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func runJSON(ctx context.Context, client *http.Client, method, url, apiKey string, body io.Reader, stdout, stderr io.Writer) int {
	code, responseBody, err := doRequest(ctx, client, method, url, apiKey, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

// runAsk streams the answer, printing each event as it arrives.
func runAsk(ctx context.Context, client *http.Client, base, apiKey, question string, stdout, stderr io.Writer) int {
	payload, err := json.Marshal(nlq.Request{Question: question})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "encode request: %v\n", err)
		return 1
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/query", bytes.NewReader(payload))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	setAPIKey(req, apiKey)

	resp, err := client.Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}

	failed := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event nlq.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			_, _ = fmt.Fprintf(stderr, "bad event frame: %v\n", err)
			return 1
		}
		if printEvent(event, stdout, stderr) {
			failed = true
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "stream failed: %v\n", err)
		return 1
	}
	if failed {
		return 1
	}
	return 0
}

func printEvent(event nlq.Event, stdout, stderr io.Writer) (failed bool) {
	switch event.Type {
	case nlq.EventThinking:
		_, _ = fmt.Fprintf(stderr, ".. %v\n", event.Content)
	case nlq.EventSQL:
		_, _ = fmt.Fprintf(stdout, "sql: %v\n", event.Content)
	case nlq.EventResult:
		if pretty, ok := prettyAny(event.Content); ok {
			_, _ = fmt.Fprintln(stdout, pretty)
		}
		_, _ = fmt.Fprintf(stderr, ".. %d rows in %d attempt(s)\n", event.RowCount, event.Attempts)
	case nlq.EventSummary:
		_, _ = fmt.Fprintf(stdout, "%v", event.Content)
	case nlq.EventSummaryDone:
		_, _ = fmt.Fprintln(stdout)
	case nlq.EventError:
		_, _ = fmt.Fprintf(stderr, "error: %v\n", event.Content)
		return true
	}
	return false
}

func runExport(ctx context.Context, client *http.Client, base, apiKey, sqlText, outPath string, stdout, stderr io.Writer) int {
	payload, err := json.Marshal(map[string]string{"sql": sqlText})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "encode request: %v\n", err)
		return 1
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/export", bytes.NewReader(payload))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	setAPIKey(req, apiKey)

	resp, err := client.Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}

	file, err := os.Create(outPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "create %q: %v\n", outPath, err)
		return 1
	}
	written, err := io.Copy(file, resp.Body)
	if err != nil {
		_ = file.Close()
		_, _ = fmt.Fprintf(stderr, "write %q: %v\n", outPath, err)
		return 1
	}
	if err := file.Close(); err != nil {
		_, _ = fmt.Fprintf(stderr, "close %q: %v\n", outPath, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "wrote %d bytes to %s\n", written, outPath)
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setAPIKey(req, apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func setAPIKey(req *http.Request, apiKey string) {
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	return marshalIndented(anyValue)
}

func prettyAny(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	return marshalIndented(value)
}

func marshalIndented(value any) (string, bool) {
	formatted, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: querydeckctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                    GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                     GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  tables                    GET /v1/tables")
	_, _ = fmt.Fprintln(w, "  history                   GET /v1/history")
	_, _ = fmt.Fprintln(w, "  ask <question>            POST /v1/query (streams the answer)")
	_, _ = fmt.Fprintln(w, "  export -sql ... -out ...  POST /v1/export (writes parquet)")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
