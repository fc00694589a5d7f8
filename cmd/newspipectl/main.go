package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// dataDir is where the server persists its state env file and admin token.
func dataDir() string {
	if d := os.Getenv("NEWSPIPE_DATA_DIR"); d != "" {
		return d
	}
	return "./data"
}

// loadEnvFile reads ~/.newspipe/env and <dataDir>/env (written by the server
// on first start) and sets any key=value pairs not already present in the
// process environment. This lets newspipectl work out of the box on the host
// that runs the service.
func loadEnvFile() {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home+"/.newspipe/env")
	}
	paths = append(paths, dataDir()+"/env")

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			if os.Getenv(strings.TrimSpace(k)) == "" {
				_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
			}
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("newspipectl %s\n", version)
	case "admin-token":
		doAdminToken()
	case "status":
		doStatus()
	case "health":
		doHealth()
	case "enqueue":
		doEnqueue(args)
	case "news":
		doNews(args)
	case "content":
		doContent(args)
	case "timeline":
		doTimeline(args)
	case "reprocess":
		doReprocess(args)
	case "search":
		doSearch(args)
	case "quote":
		doQuote(args)
	case "history":
		doHistory(args)
	case "info":
		doInfo(args)
	case "financials":
		doFinancials(args)
	case "lookup":
		doLookup(args)
	case "settings":
		doSettings(args)
	case "pricing":
		doPricing(args)
	case "costs":
		doCosts(args)
	case "usage":
		doUsage(args)
	case "stats":
		doStats()
	case "series":
		doSeries(args)
	case "events":
		doEvents()
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `newspipectl — CLI for the newspipe API

Usage: newspipectl <command> [arguments]

Environment:
  NEWSPIPE_URL           Base URL (default: http://localhost:8600)
  NEWSPIPE_ADMIN_TOKEN   Bearer token for admin endpoints
  NEWSPIPE_DATA_DIR      Server data directory (default: ./data)

  ~/.newspipe/env and <data-dir>/env are auto-sourced on startup;
  explicit environment variables take precedence.

Commands:
  admin-token                  Print the admin token (env, file, or Docker)
  status                       Show server health and 30-day spend
  health                       Show market data provider health

  enqueue <url|json> [flags]   Queue an article (--title, --symbol, --market,
                               --source, --summary)
  news [flags]                 List articles (--status, --symbol, --market,
                               --source, --limit, --page)
  news <id>                    Show one article
  content <id>                 Show the stored article document
  timeline <id>                Show pipeline events for an article
  reprocess <id>               Clear verdicts and re-run the analysis chain
  search <query> [--k N]       Hybrid search over indexed articles

  quote <market> <symbol>      Latest quote (markets: US, HK, SH, SZ, METAL)
  history <market> <symbol>    OHLCV history (--period 1mo)
  info <market> <symbol>       Instrument profile
  financials <market> <symbol> Key financial figures
  lookup <market> <query>      Symbol search

  settings [get]               Show system settings
  settings set <json>          Replace system settings
  pricing [list]               List model pricing rows
  pricing add <json>           Create or update a pricing row
  costs [summary]              Aggregated spend (--from, --to, --purpose)
  costs daily                  Per-day spend
  costs purposes               Per-purpose spend
  usage [--limit N]            Raw LLM usage records
  stats                        Pipeline counter rollup
  series <name> [flags]        Operational series (--from, --to, --step)
  events                       Stream real-time SSE events

  version                      Show version
  help                         Show this help

Examples:
  newspipectl status
  newspipectl enqueue https://example.com/fed-decision --title "Fed holds rates" --symbol SPY --market US --source reuters
  newspipectl news --symbol AAPL --limit 10
  newspipectl quote US AAPL
  newspipectl costs daily --from 2025-08-01
  newspipectl series stage_latency:layer1_scoring --step 5m
  newspipectl settings set '{"enable_llm_pipeline":true,"discard_threshold":105,"full_analysis_threshold":195,"retention_days":30}'
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("NEWSPIPE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8600"
}

func adminToken() string {
	return os.Getenv("NEWSPIPE_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPut(path, bodyJSON string) map[string]any {
	resp, err := doRequest("PUT", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

// tryGet is doGet without the exit-on-error behavior, for optional
// enrichment of output (e.g. status falling back when the token is absent).
func tryGet(path string) (map[string]any, bool) {
	resp, err := doRequest("GET", path, nil)
	if err != nil {
		return nil, false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, false
	}
	var result map[string]any
	if json.NewDecoder(resp.Body).Decode(&result) != nil {
		return nil, false
	}
	return result, true
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		// Might be an array; wrap it.
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: newspipectl %s\n", usage)
		os.Exit(1)
	}
}

// flagValue finds "--name value" or "--name=value" in args.
func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, name+"=") {
			return strings.TrimPrefix(a, name+"=")
		}
	}
	return ""
}

func flagInt(args []string, name string, def int) int {
	if v := flagValue(args, name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// timeRangeQuery builds the shared from/to query string fragment.
func timeRangeQuery(args []string) string {
	q := url.Values{}
	if v := flagValue(args, "--from"); v != "" {
		q.Set("from", v)
	}
	if v := flagValue(args, "--to"); v != "" {
		q.Set("to", v)
	}
	if v := flagValue(args, "--purpose"); v != "" {
		q.Set("purpose", v)
	}
	if v := flagValue(args, "--model"); v != "" {
		q.Set("model", v)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// --- Commands ---

func doAdminToken() {
	// 1. Environment variable (also populated from the env files).
	if tok := os.Getenv("NEWSPIPE_ADMIN_TOKEN"); tok != "" {
		fmt.Println(tok)
		return
	}

	// 2. Token file in the data directory (native deployment).
	if data, err := os.ReadFile(dataDir() + "/.admin-token"); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			fmt.Println(tok)
			return
		}
	}

	// 3. Docker container token file.
	for _, name := range []string{"newspipe-newspipe-1", "newspipe"} {
		out, err := exec.Command("docker", "exec", name, "cat", "/data/.admin-token").Output()
		if err == nil {
			if tok := strings.TrimSpace(string(out)); tok != "" {
				fmt.Println(tok)
				return
			}
		}
	}

	fmt.Fprintln(os.Stderr, "admin token not found — set NEWSPIPE_ADMIN_TOKEN or ensure the service is running")
	os.Exit(1)
}

func doStatus() {
	h := doGet("/healthz")

	status := "unknown"
	if s, ok := h["status"].(string); ok {
		status = s
	}
	fmt.Printf("Server:        %s\n", baseURL())
	fmt.Printf("Status:        %s\n", status)
	fmt.Printf("Queued tasks:  %s\n", fmtNum(h["queued_tasks"]))

	// Admin extras; skipped silently when the token is absent or wrong.
	if summary, ok := tryGet("/admin/v1/costs/summary"); ok {
		fmt.Printf("30d spend:     %s over %s calls (%.0f%% ok)\n",
			fmtCost(summary["total_cost_usd"]),
			fmtNum(summary["total_calls"]),
			toFloat(summary["success_rate"])*100)
	}
	if ph, ok := tryGet("/admin/v1/providers/health"); ok {
		providers, _ := ph["providers"].([]any)
		healthy := 0
		for _, p := range providers {
			if m, ok := p.(map[string]any); ok && m["state"] == "healthy" {
				healthy++
			}
		}
		fmt.Printf("Providers:     %d/%d healthy\n", healthy, len(providers))
	}
}

func doHealth() {
	data := doGet("/admin/v1/providers/health")
	providers, _ := data["providers"].([]any)
	if len(providers) == 0 {
		fmt.Println("No provider health data available.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tREQUESTS\tERRORS\tAVG LATENCY\tLAST SUCCESS\tLAST ERROR")
	for _, p := range providers {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["provider_id"].(string)
		state := fmt.Sprintf("%v", m["state"])
		reqs := fmtNum(m["total_requests"])
		errs := fmtNum(m["total_errors"])
		lat := fmtDuration(m["avg_latency_ms"])
		lastOK := fmtTime(m["last_success_at"])
		lastErr, _ := m["last_error"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			id, state, reqs, errs, lat, lastOK, truncate(lastErr, 60))
	}
	_ = tw.Flush()
}

func doEnqueue(args []string) {
	requireArgs(args, 1, "enqueue <url|json> [--title ...] [--symbol ...] [--market ...] [--source ...] [--summary ...]")

	var body string
	if strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		body = args[0]
	} else {
		ref := map[string]any{
			"url":          args[0],
			"title":        flagValue(args, "--title"),
			"source":       flagValue(args, "--source"),
			"published_at": time.Now().UTC().Format(time.RFC3339),
		}
		if v := flagValue(args, "--symbol"); v != "" {
			ref["symbol"] = v
		}
		if v := flagValue(args, "--market"); v != "" {
			ref["market"] = v
		}
		if v := flagValue(args, "--summary"); v != "" {
			ref["summary"] = v
		}
		if ref["source"] == "" {
			ref["source"] = "manual"
		}
		b, _ := json.Marshal(ref)
		body = string(b)
	}

	result := doPost("/v1/articles", body)
	id := fmtNum(result["id"])
	if result["created"] == true {
		fmt.Printf("Article %s queued.\n", id)
	} else {
		fmt.Printf("Article %s already known (duplicate URL).\n", id)
	}
}

func doNews(args []string) {
	// A single numeric argument means "show this article".
	if len(args) == 1 {
		if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			data := doGet(fmt.Sprintf("/v1/news/%d", id))
			fmt.Println(prettyJSON(data))
			return
		}
	}

	q := url.Values{}
	for _, name := range []string{"status", "symbol", "market", "source", "since"} {
		if v := flagValue(args, "--"+name); v != "" {
			q.Set(name, v)
		}
	}
	q.Set("page_size", strconv.Itoa(flagInt(args, "--limit", 20)))
	if page := flagInt(args, "--page", 1); page > 1 {
		q.Set("page", strconv.Itoa(page))
	}

	data := doGet("/v1/news?" + q.Encode())
	items, _ := data["items"].([]any)
	if len(items) == 0 {
		fmt.Println("No articles.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSYMBOL\tSCORE\tFILTER\tCONTENT\tSENTIMENT\tPUBLISHED\tTITLE")
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		symbol, _ := m["symbol"].(string)
		if symbol == "" {
			symbol = "-"
		}
		sentiment, _ := m["sentiment"].(string)
		if sentiment == "" {
			sentiment = "-"
		}
		title, _ := m["title"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			fmtNum(m["id"]), symbol, fmtNum(m["score"]),
			m["filter_status"], m["content_status"], sentiment,
			fmtTime(m["published_at"]), truncate(title, 60))
	}
	_ = tw.Flush()
	if data["has_more"] == true {
		fmt.Printf("\nMore results available: --page %d\n", flagInt(args, "--page", 1)+1)
	}
}

func doContent(args []string) {
	requireArgs(args, 1, "content <id>")
	data := doGet("/v1/news/" + args[0] + "/content")

	title, _ := data["title"].(string)
	text, _ := data["full_text"].(string)
	fmt.Printf("Title:     %s\n", title)
	fmt.Printf("URL:       %s\n", data["url"])
	fmt.Printf("Words:     %s\n", fmtNum(data["word_count"]))
	fmt.Printf("Fetched:   %s\n", fmtTime(data["fetched_at"]))
	if authors, ok := data["authors"].([]any); ok && len(authors) > 0 {
		parts := make([]string, 0, len(authors))
		for _, a := range authors {
			if s, ok := a.(string); ok {
				parts = append(parts, s)
			}
		}
		fmt.Printf("Authors:   %s\n", strings.Join(parts, ", "))
	}
	fmt.Printf("\n%s\n", text)
}

func doTimeline(args []string) {
	requireArgs(args, 1, "timeline <id>")
	data := doGet("/admin/v1/news/" + args[0] + "/events")
	evts, _ := data["events"].([]any)
	if len(evts) == 0 {
		fmt.Println("No pipeline events.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tSTAGE\tFROM\tTO\tDETAIL")
	for _, e := range evts {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		detail, _ := m["detail"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			fmtTime(m["created_at"]), m["stage"], m["from_status"], m["to_status"],
			truncate(detail, 70))
	}
	_ = tw.Flush()
}

func doReprocess(args []string) {
	requireArgs(args, 1, "reprocess <id>")
	result := doPost("/admin/v1/news/"+args[0]+"/reprocess", "{}")
	if result["ok"] == true {
		fmt.Printf("Article %s scheduled for reprocessing.\n", fmtNum(result["id"]))
	}
}

func doSearch(args []string) {
	requireArgs(args, 1, "search <query> [--k N]")
	q := url.Values{}
	q.Set("q", args[0])
	if k := flagInt(args, "--k", 0); k > 0 {
		q.Set("k", strconv.Itoa(k))
	}
	data := doGet("/v1/search?" + q.Encode())
	results, _ := data["results"].([]any)
	if len(results) == 0 {
		fmt.Println("No results.")
		return
	}
	for i, r := range results {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m["text"].(string)
		fmt.Printf("%2d. [%s/%s score=%.3f] %s\n",
			i+1, m["source_type"], fmtNum(m["source_id"]),
			toFloat(m["score"]), truncate(strings.ReplaceAll(text, "\n", " "), 120))
	}
}

func doQuote(args []string) {
	requireArgs(args, 2, "quote <market> <symbol>")
	q := doGet(fmt.Sprintf("/v1/quotes/%s/%s", args[0], args[1]))

	name, _ := q["name"].(string)
	if name != "" {
		fmt.Printf("%s (%s)\n", name, q["symbol"])
	} else {
		fmt.Printf("%s\n", q["symbol"])
	}
	fmt.Printf("Price:     %s %s\n", fmtNum(q["price"]), q["currency"])
	fmt.Printf("Change:    %s (%.2f%%)\n", fmtNum(q["change"]), toFloat(q["change_pct"]))
	if toFloat(q["high"]) != 0 || toFloat(q["low"]) != 0 {
		fmt.Printf("Range:     %s — %s\n", fmtNum(q["low"]), fmtNum(q["high"]))
	}
	if toFloat(q["volume"]) != 0 {
		fmt.Printf("Volume:    %s\n", fmtNum(q["volume"]))
	}
	fmt.Printf("As of:     %s\n", fmtTime(q["as_of"]))
	fmt.Printf("Source:    %s\n", q["source"])
}

func doHistory(args []string) {
	requireArgs(args, 2, "history <market> <symbol> [--period 1mo]")
	path := fmt.Sprintf("/v1/history/%s/%s", args[0], args[1])
	if period := flagValue(args, "--period"); period != "" {
		path += "?period=" + url.QueryEscape(period)
	}
	data := doGet(path)
	bars, _ := data["bars"].([]any)
	if len(bars) == 0 {
		fmt.Println("No history.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DATE\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
	for _, b := range bars {
		m, ok := b.(map[string]any)
		if !ok {
			continue
		}
		day := fmtTime(m["date"])
		if len(day) >= 10 {
			day = day[:10]
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			day, fmtNum(m["open"]), fmtNum(m["high"]), fmtNum(m["low"]),
			fmtNum(m["close"]), fmtNum(m["volume"]))
	}
	_ = tw.Flush()
}

func doInfo(args []string) {
	requireArgs(args, 2, "info <market> <symbol>")
	data := doGet(fmt.Sprintf("/v1/info/%s/%s", args[0], args[1]))
	fmt.Println(prettyJSON(data))
}

func doFinancials(args []string) {
	requireArgs(args, 2, "financials <market> <symbol>")
	data := doGet(fmt.Sprintf("/v1/financials/%s/%s", args[0], args[1]))
	fmt.Println(prettyJSON(data))
}

func doLookup(args []string) {
	requireArgs(args, 2, "lookup <market> <query>")
	data := doGet(fmt.Sprintf("/v1/markets/%s/search?q=%s", args[0], url.QueryEscape(args[1])))
	results, _ := data["results"].([]any)
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SYMBOL\tNAME\tEXCHANGE\tSOURCE")
	for _, r := range results {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		exch, _ := m["exchange"].(string)
		if exch == "" {
			exch = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m["symbol"], m["name"], exch, m["source"])
	}
	_ = tw.Flush()
}

func doSettings(args []string) {
	if len(args) == 0 || args[0] == "get" {
		data := doGet("/admin/v1/settings")
		fmt.Println(prettyJSON(data))
		return
	}
	switch args[0] {
	case "set":
		requireArgs(args, 2, "settings set <json>")
		result := doPut("/admin/v1/settings", args[1])
		fmt.Println("Settings updated.")
		fmt.Println(prettyJSON(result))
	default:
		fmt.Fprintf(os.Stderr, "unknown settings command: %s\n", args[0])
		os.Exit(1)
	}
}

func doPricing(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/pricing")
		rows, _ := data["pricing"].([]any)
		if len(rows) == 0 {
			fmt.Println("No pricing rows; costs are recorded as $0 until rates are added.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "MODEL\tIN $/1M\tCACHED $/1M\tOUT $/1M\tEFFECTIVE FROM")
		for _, r := range rows {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			from := fmtTime(m["effective_from"])
			if len(from) >= 10 {
				from = from[:10]
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				m["model"], fmtCost(m["input_per_1m"]), fmtCost(m["cached_input_per_1m"]),
				fmtCost(m["output_per_1m"]), from)
		}
		_ = tw.Flush()
		return
	}
	switch args[0] {
	case "add":
		requireArgs(args, 2, "pricing add <json>")
		result := doPost("/admin/v1/pricing", args[1])
		if result["ok"] == true {
			fmt.Println("Pricing row saved.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown pricing command: %s\n", args[0])
		os.Exit(1)
	}
}

func doCosts(args []string) {
	sub := "summary"
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		sub = args[0]
		args = args[1:]
	}
	qs := timeRangeQuery(args)

	switch sub {
	case "summary":
		data := doGet("/admin/v1/costs/summary" + qs)
		fmt.Printf("Total spend:    %s\n", fmtCost(data["total_cost_usd"]))
		fmt.Printf("Total calls:    %s\n", fmtNum(data["total_calls"]))
		fmt.Printf("Total tokens:   %s\n", fmtNum(data["total_tokens"]))
		fmt.Printf("Success rate:   %.1f%%\n", toFloat(data["success_rate"])*100)
	case "daily":
		data := doGet("/admin/v1/costs/daily" + qs)
		days, _ := data["days"].([]any)
		if len(days) == 0 {
			fmt.Println("No spend in range.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "DAY\tCOST\tCALLS")
		for _, d := range days {
			m, ok := d.(map[string]any)
			if !ok {
				continue
			}
			day := fmtTime(m["day"])
			if len(day) >= 10 {
				day = day[:10]
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", day, fmtCost(m["cost_usd"]), fmtNum(m["calls"]))
		}
		_ = tw.Flush()
	case "purposes":
		data := doGet("/admin/v1/costs/purposes" + qs)
		purposes, _ := data["purposes"].([]any)
		if len(purposes) == 0 {
			fmt.Println("No spend in range.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PURPOSE\tCOST\tCALLS\tAVG LATENCY")
		for _, p := range purposes {
			m, ok := p.(map[string]any)
			if !ok {
				continue
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				m["purpose"], fmtCost(m["cost_usd"]), fmtNum(m["calls"]),
				fmtDuration(m["avg_latency_ms"]))
		}
		_ = tw.Flush()
	default:
		fmt.Fprintf(os.Stderr, "unknown costs command: %s\n", sub)
		os.Exit(1)
	}
}

func doUsage(args []string) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(flagInt(args, "--limit", 50)))
	if v := flagValue(args, "--purpose"); v != "" {
		q.Set("purpose", v)
	}
	if v := flagValue(args, "--model"); v != "" {
		q.Set("model", v)
	}
	data := doGet("/admin/v1/usage?" + q.Encode())
	records, _ := data["records"].([]any)
	if len(records) == 0 {
		fmt.Println("No usage records.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tPURPOSE\tMODEL\tTOKENS\tCOST\tLATENCY\tOK")
	for _, rec := range records {
		m, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		okCol := "yes"
		if m["success"] == false {
			okCol = "no"
			if kind, _ := m["error_class"].(string); kind != "" {
				okCol = kind
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			fmtTime(m["created_at"]), m["purpose"], m["model"],
			fmtNum(m["total_tokens"]), fmtCost(m["cost_usd"]),
			fmtDuration(m["latency_ms"]), okCol)
	}
	_ = tw.Flush()
}

func doStats() {
	data := doGet("/admin/v1/stats")
	fmt.Println(prettyJSON(data))
}

func doSeries(args []string) {
	requireArgs(args, 1, "series <name> [--from ...] [--to ...] [--step 5m]")
	q := url.Values{}
	q.Set("series", args[0])
	for _, name := range []string{"from", "to", "step"} {
		if v := flagValue(args, "--"+name); v != "" {
			q.Set(name, v)
		}
	}
	data := doGet("/admin/v1/series?" + q.Encode())
	points, _ := data["points"].([]any)
	if len(points) == 0 {
		fmt.Println("No points in range.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tVALUE\tLABELS")
	for _, p := range points {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		labels, _ := m["labels"].(string)
		if labels == "" {
			labels = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", fmtTime(m["timestamp"]), fmtNum(m["value"]), labels)
	}
	_ = tw.Flush()
}

func doEvents() {
	req, err := http.NewRequest("GET", baseURL()+"/admin/v1/events", nil)
	fatal(err)
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	// The stream outlives the default client timeout.
	resp, err := sseClient.Do(req)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt map[string]any
				if json.Unmarshal([]byte(payload), &evt) != nil {
					continue
				}
				printEvent(evt)
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

// printEvent renders one bus event in a single line tuned per event family.
func printEvent(evt map[string]any) {
	evtType, _ := evt["type"].(string)
	if evtType == "" {
		return
	}
	ts := time.Now().Format("15:04:05")
	switch {
	case evtType == "llm_call":
		fmt.Printf("[%s] %-18s purpose=%s model=%s latency=%s cost=%s\n",
			ts, evtType, evt["purpose"], evt["model"],
			fmtDuration(evt["latency_ms"]), fmtCost(evt["cost_usd"]))
	case strings.HasPrefix(evtType, "stage_"):
		line := fmt.Sprintf("[%s] %-18s article=%s stage=%s", ts, evtType, fmtNum(evt["article_id"]), evt["stage"])
		if lat := toFloat(evt["latency_ms"]); lat > 0 {
			line += " latency=" + fmtDuration(evt["latency_ms"])
		}
		if kind, _ := evt["error_kind"].(string); kind != "" {
			line += " error=" + kind
		}
		fmt.Println(line)
	case strings.HasPrefix(evtType, "provider_"):
		fmt.Printf("[%s] %-18s provider=%s detail=%v\n", ts, evtType, evt["provider_id"], evt["error_msg"])
	default:
		compact, _ := json.Marshal(evt)
		fmt.Printf("[%s] %-18s %s\n", ts, evtType, truncate(string(compact), 140))
	}
}

// --- Formatting helpers ---

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "$0"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			if t.IsZero() {
				return "-"
			}
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

var sseClient = &http.Client{}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
