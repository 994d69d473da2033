package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// serverURL returns the API base URL, from CONDUCTOR_URL or the default.
func serverURL() string {
	if u := os.Getenv("CONDUCTOR_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

var cliClient = &http.Client{Timeout: 30 * time.Second}

// doRequest performs an API call. An unreachable server is an internal
// failure (exit code 2); anything else that goes wrong locally is 1.
func doRequest(method, path string, body any) (*http.Response, int) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: encode request: %v\n", err)
			return nil, exitError
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, serverURL()+path, rdr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, exitError
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := cliClient.Do(req)
	if err != nil {
		var netErr net.Error
		var urlErr *url.Error
		if errors.As(err, &netErr) || errors.As(err, &urlErr) {
			fmt.Fprintf(os.Stderr, "error: cannot reach %s: %v\n", serverURL(), err)
			return nil, exitInternal
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, exitError
	}
	return resp, exitOK
}

// apiError extracts the error message from a non-2xx response body.
func apiError(resp *http.Response) string {
	defer resp.Body.Close()
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil && e.Error != "" {
		return e.Error
	}
	return resp.Status
}

// apiFailure prints the error from an unexpected response and classifies
// it: a 5xx answer is a server-side internal failure (exit code 2), the
// rest is a request error (1).
func apiFailure(resp *http.Response) int {
	fmt.Fprintf(os.Stderr, "error: %s\n", apiError(resp))
	if resp.StatusCode >= http.StatusInternalServerError {
		return exitInternal
	}
	return exitError
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	definition := fs.String("definition", "", "saga definition name (required)")
	requester := fs.String("requester", "cli", "requester key for quota accounting")
	id := fs.String("id", "", "explicit saga ID (defaults to a generated UUID)")
	payload := fs.String("payload", "{}", "initial saga payload as JSON")
	_ = fs.Parse(args)

	if *definition == "" {
		fmt.Fprintln(os.Stderr, "error: --definition is required")
		fs.Usage()
		return exitError
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "error: --payload is not valid JSON")
		return exitError
	}

	req := map[string]any{
		"definition":    *definition,
		"requester_key": *requester,
		"payload":       json.RawMessage(*payload),
	}
	if *id != "" {
		req["saga_id"] = *id
	}

	resp, code := doRequest(http.MethodPost, "/api/v1/sagas", req)
	if code != exitOK {
		return code
	}
	if resp.StatusCode != http.StatusAccepted {
		return apiFailure(resp)
	}
	defer resp.Body.Close()

	var out struct {
		SagaID string `json:"saga_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "error: decode response: %v\n", err)
		return exitError
	}
	fmt.Printf("%s\t%s\n", out.SagaID, out.Status)
	return exitOK
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the raw view")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor status [--json] <saga-id>")
		return exitError
	}
	sagaID := fs.Arg(0)

	resp, code := doRequest(http.MethodGet, "/api/v1/sagas/"+url.PathEscape(sagaID)+"/view", nil)
	if code != exitOK {
		return code
	}
	if resp.StatusCode != http.StatusOK {
		return apiFailure(resp)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read response: %v\n", err)
		return exitError
	}
	if *asJSON {
		fmt.Println(string(raw))
		return exitOK
	}

	var view struct {
		SagaID         string `json:"saga_id"`
		Definition     string `json:"definition"`
		RequesterKey   string `json:"requester_key"`
		Status         string `json:"status"`
		CurrentStep    string `json:"current_step"`
		StepsCompleted int    `json:"steps_completed"`
		Retries        int    `json:"retries"`
		Error          string `json:"error"`
		Compensations  []struct {
			StepName string `json:"step_name"`
			Error    string `json:"error,omitempty"`
		} `json:"compensations"`
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		fmt.Fprintf(os.Stderr, "error: decode response: %v\n", err)
		return exitError
	}

	fmt.Printf("saga:            %s\n", view.SagaID)
	fmt.Printf("definition:      %s\n", view.Definition)
	fmt.Printf("requester:       %s\n", view.RequesterKey)
	fmt.Printf("status:          %s\n", view.Status)
	if view.CurrentStep != "" {
		fmt.Printf("current step:    %s\n", view.CurrentStep)
	}
	fmt.Printf("steps completed: %d\n", view.StepsCompleted)
	fmt.Printf("retries:         %d\n", view.Retries)
	if view.Error != "" {
		fmt.Printf("error:           %s\n", view.Error)
	}
	if len(view.Compensations) > 0 {
		fmt.Println("compensations:")
		for _, c := range view.Compensations {
			if c.Error != "" {
				fmt.Printf("  %s\tfailed: %s\n", c.StepName, c.Error)
			} else {
				fmt.Printf("  %s\tcompensated\n", c.StepName)
			}
		}
	}
	return exitOK
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status (pending, running, completed, compensating, compensated, failed)")
	_ = fs.Parse(args)

	path := "/api/v1/sagas"
	if *status != "" {
		path += "?status=" + url.QueryEscape(*status)
	}

	resp, code := doRequest(http.MethodGet, path, nil)
	if code != exitOK {
		return code
	}
	if resp.StatusCode != http.StatusOK {
		return apiFailure(resp)
	}
	defer resp.Body.Close()

	var sagas []struct {
		SagaID       string `json:"saga_id"`
		Definition   string `json:"definition"`
		Status       string `json:"status"`
		RequesterKey string `json:"requester_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sagas); err != nil {
		fmt.Fprintf(os.Stderr, "error: decode response: %v\n", err)
		return exitError
	}

	sort.Slice(sagas, func(i, j int) bool { return sagas[i].SagaID < sagas[j].SagaID })
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SAGA ID\tDEFINITION\tSTATUS\tREQUESTER")
	for _, s := range sagas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.SagaID, s.Definition, s.Status, s.RequesterKey)
	}
	w.Flush()
	return exitOK
}

func runCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	reason := fs.String("reason", "cancelled via cli", "cancellation reason")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor cancel [--reason <text>] <saga-id>")
		return exitError
	}
	sagaID := fs.Arg(0)

	resp, code := doRequest(http.MethodPost,
		"/api/v1/sagas/"+url.PathEscape(sagaID)+"/cancel",
		map[string]string{"reason": *reason})
	if code != exitOK {
		return code
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return apiFailure(resp)
	}
	fmt.Printf("%s\tcancelling\n", sagaID)
	return exitOK
}
