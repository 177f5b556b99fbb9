package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blocklog.ai/internal/transport/adminhttp"
)

type adminClient struct {
	base  string
	token string
	hc    *http.Client

	// secret and staff sign every request when secret is set.
	secret string
	staff  string
}

func newAdminClient(base, token string, timeout time.Duration) *adminClient {
	return &adminClient{
		base:  strings.TrimRight(strings.TrimSpace(base), "/"),
		token: strings.TrimSpace(token),
		hc:    &http.Client{Timeout: timeout},
	}
}

type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// do sends one admin request and returns the raw response body. Non-2xx responses are
// returned as *httpStatusError carrying the body.
func (c *adminClient) do(method, path string, q url.Values, body any) ([]byte, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	req, err := http.NewRequest(method, u, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, raw)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return b, &httpStatusError{Status: resp.StatusCode, Body: string(b)}
	}
	return b, nil
}

func (c *adminClient) authorize(req *http.Request, body []byte) {
	if c.secret != "" {
		adminhttp.SignRequest(req, []byte(c.secret), c.staff, uuid.NewString(), body, time.Now())
		return
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *adminClient) wsURL(path string, q url.Values) (string, error) {
	u, err := url.Parse(c.base + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type clientFlags struct {
	url    *string
	token  *string
	secret *string
	as     *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		url:    fs.String("url", "http://127.0.0.1:8090", "server base url"),
		token:  fs.String("token", os.Getenv("BLOCKLOG_HTTP_ADMIN_TOKEN"), "admin bearer token (needed off loopback)"),
		secret: fs.String("secret", os.Getenv("BLOCKLOG_HTTP_ADMIN_SECRET"), "sign requests with this secret instead of sending a token"),
		as:     fs.String("as", os.Getenv("USER"), "staff name for signed requests"),
	}
}

func (f clientFlags) client(timeout time.Duration) *adminClient {
	c := newAdminClient(*f.url, *f.token, timeout)
	c.secret = strings.TrimSpace(*f.secret)
	c.staff = strings.TrimSpace(*f.as)
	return c
}

// printResponse writes the body to stdout and exits 1 when the request failed.
func printResponse(b []byte, err error) {
	if len(b) > 0 {
		fmt.Println(strings.TrimSpace(string(b)))
	}
	if err != nil {
		var se *httpStatusError
		if !errors.As(err, &se) {
			fmt.Fprintln(os.Stderr, "request:", err)
		}
		os.Exit(1)
	}
}

func lookupCmd(args []string) {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	cf := addClientFlags(fs)
	loc := fs.String("loc", "", "block location world:x,y,z")
	actor := fs.String("actor", "", "actor name or uuid")
	pos1 := fs.String("pos1", "", "area corner world:x,y,z")
	pos2 := fs.String("pos2", "", "area corner world:x,y,z")
	staff := fs.String("staff", "", "use this staff member's selection as the area")
	window := fs.String("window", "", "time window, e.g. 30m, 6h, 3d (server default when empty)")
	limit := fs.Int("limit", 0, "result limit (actor and area lookups)")
	_ = fs.Parse(args)

	path, q, err := lookupRequest(*loc, *actor, *pos1, *pos2, *staff, *window, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	printResponse(cf.client(10*time.Second).do(http.MethodGet, path, q, nil))
}

func lookupRequest(loc, actor, pos1, pos2, staff, window string, limit int) (string, url.Values, error) {
	q := url.Values{}
	if window != "" {
		q.Set("window", window)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	switch {
	case loc != "":
		q.Set("loc", loc)
		return "/admin/v1/lookup/location", q, nil
	case actor != "":
		q.Set("actor", actor)
		return "/admin/v1/lookup/actor", q, nil
	case staff != "":
		q.Set("staff", staff)
		return "/admin/v1/lookup/area", q, nil
	case pos1 != "" && pos2 != "":
		q.Set("pos1", pos1)
		q.Set("pos2", pos2)
		return "/admin/v1/lookup/area", q, nil
	}
	return "", nil, errors.New("need one of -loc, -actor, -staff, or -pos1 with -pos2")
}

func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	cf := addClientFlags(fs)
	actor := fs.String("actor", "", "roll back everything this actor did in the window")
	pos1 := fs.String("pos1", "", "area corner world:x,y,z")
	pos2 := fs.String("pos2", "", "area corner world:x,y,z")
	staff := fs.String("staff", "", "roll back this staff member's selection")
	window := fs.String("window", "", "time window, e.g. 30m, 6h, 3d (required)")
	requester := fs.String("requester", "", "name recorded as the job requester (default: the signing staff member)")
	watch := fs.Bool("watch", false, "stream job progress until it finishes")
	_ = fs.Parse(args)

	if strings.TrimSpace(*window) == "" {
		fmt.Fprintln(os.Stderr, "missing -window")
		os.Exit(2)
	}
	path, body, err := rollbackRequest(*actor, *pos1, *pos2, *staff, *window, *requester)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	c := cf.client(10 * time.Second)
	b, err := c.do(http.MethodPost, path, nil, body)
	printResponse(b, err)
	if !*watch {
		return
	}
	var job struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &job); err != nil || job.ID == "" {
		fmt.Fprintln(os.Stderr, "no job id in response")
		os.Exit(1)
	}
	if err := watchJobs(c, job.ID, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "watch:", err)
		os.Exit(1)
	}
}

func rollbackRequest(actor, pos1, pos2, staff, window, requester string) (string, map[string]any, error) {
	switch {
	case actor != "":
		return "/admin/v1/rollback/player", map[string]any{"actor": actor, "window": window, "requester": requester}, nil
	case staff != "":
		return "/admin/v1/rollback/area", map[string]any{"staff": staff, "window": window, "requester": requester}, nil
	case pos1 != "" && pos2 != "":
		body := map[string]any{"window": window, "requester": requester}
		for k, raw := range map[string]string{"pos1": pos1, "pos2": pos2} {
			loc, err := locationJSON(raw)
			if err != nil {
				return "", nil, fmt.Errorf("bad -%s: %w", k, err)
			}
			body[k] = loc
		}
		return "/admin/v1/rollback/area", body, nil
	}
	return "", nil, errors.New("need one of -actor, -staff, or -pos1 with -pos2")
}

func restoreInventoryCmd(args []string) {
	fs := flag.NewFlagSet("restore-inventory", flag.ExitOnError)
	cf := addClientFlags(fs)
	actor := fs.String("actor", "", "online actor name or uuid (required)")
	window := fs.String("window", "", "restore the snapshot taken at or before now minus this window (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*actor) == "" || strings.TrimSpace(*window) == "" {
		fmt.Fprintln(os.Stderr, "missing -actor or -window")
		os.Exit(2)
	}
	body := map[string]any{"actor": *actor, "window": *window}
	printResponse(cf.client(30*time.Second).do(http.MethodPost, "/admin/v1/inventory/rollback", nil, body))
}

func jobsCmd(args []string) {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	cf := addClientFlags(fs)
	id := fs.String("id", "", "show or act on a single job")
	cancel := fs.Bool("cancel", false, "cancel -id")
	watch := fs.Bool("watch", false, "stream progress (all jobs, or -id only)")
	_ = fs.Parse(args)

	c := cf.client(10 * time.Second)
	switch {
	case *watch:
		if err := watchJobs(c, *id, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "watch:", err)
			os.Exit(1)
		}
	case *cancel:
		if *id == "" {
			fmt.Fprintln(os.Stderr, "missing -id")
			os.Exit(2)
		}
		printResponse(c.do(http.MethodPost, "/admin/v1/jobs/"+url.PathEscape(*id)+"/cancel", nil, nil))
	case *id != "":
		printResponse(c.do(http.MethodGet, "/admin/v1/jobs/"+url.PathEscape(*id), nil, nil))
	default:
		printResponse(c.do(http.MethodGet, "/admin/v1/jobs", nil, nil))
	}
}

// watchJobs prints job updates as JSON lines. With a job id it returns once that job
// reaches a terminal state.
func watchJobs(c *adminClient, id string, w io.Writer) error {
	q := url.Values{}
	if id != "" {
		q.Set("job", id)
	}
	u, err := c.wsURL("/admin/v1/jobs/ws", q)
	if err != nil {
		return err
	}
	probe, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.authorize(probe, nil)
	conn, resp, err := websocket.DefaultDialer.Dial(u, probe.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (http %d)", u, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	// The job may have finished before the stream attached.
	if id != "" {
		if b, err := c.do(http.MethodGet, "/admin/v1/jobs/"+url.PathEscape(id), nil, nil); err == nil {
			var cur struct {
				State string `json:"state"`
			}
			if json.Unmarshal(b, &cur) == nil && terminalState(cur.State) {
				fmt.Fprintln(w, strings.TrimSpace(string(b)))
				return nil
			}
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		fmt.Fprintln(w, strings.TrimSpace(string(msg)))
		if id == "" {
			continue
		}
		var upd struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}
		if json.Unmarshal(msg, &upd) == nil && upd.ID == id && terminalState(upd.State) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
			return nil
		}
	}
}

func terminalState(s string) bool {
	return s == "COMPLETED" || s == "CANCELLED"
}

func purgeCmd(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	printResponse(cf.client(5*time.Minute).do(http.MethodPost, "/admin/v1/purge", nil, nil))
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	printResponse(cf.client(10*time.Second).do(http.MethodGet, "/admin/v1/stats", nil, nil))
}

func onlineCmd(args []string) {
	fs := flag.NewFlagSet("online", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	printResponse(cf.client(10*time.Second).do(http.MethodGet, "/admin/v1/actors/online", nil, nil))
}

func selectCmd(args []string) {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	cf := addClientFlags(fs)
	staff := fs.String("staff", "", "online staff member name or uuid (required)")
	corner := fs.Int("corner", 0, "corner to set: 1 or 2")
	loc := fs.String("loc", "", "corner location world:x,y,z")
	clearSel := fs.Bool("clear", false, "clear the selection")
	_ = fs.Parse(args)

	if strings.TrimSpace(*staff) == "" {
		fmt.Fprintln(os.Stderr, "missing -staff")
		os.Exit(2)
	}
	c := cf.client(10 * time.Second)
	q := url.Values{"staff": {*staff}}
	switch {
	case *clearSel:
		printResponse(c.do(http.MethodDelete, "/admin/v1/selection", q, nil))
	case *loc != "":
		l, err := locationJSON(*loc)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -loc:", err)
			os.Exit(2)
		}
		body := map[string]any{"staff": *staff, "corner": *corner, "location": l}
		printResponse(c.do(http.MethodPost, "/admin/v1/selection", nil, body))
	default:
		printResponse(c.do(http.MethodGet, "/admin/v1/selection", q, nil))
	}
}
