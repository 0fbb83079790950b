package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is one HTTP call, kept for aggregation.
type Result struct {
	Status int
	Body   string
	Err    error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")
	productID := flag.String("product", "", "product id to map the plan to (skip mapping when empty)")
	plan := flag.String("plan", "Loadtest Monthly", "provider plan title")
	profile := flag.String("profile", "loadtest-user", "profile id carried on the events")
	total := flag.Int("n", 200, "deliveries per scenario")
	concurrency := flag.Int("c", 50, "max concurrency")
	settle := flag.Duration("settle", 3*time.Second, "wait for the processor before checking")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	admin := map[string]string{"X-Admin-Token": *adminToken}

	if *productID != "" {
		if err := doPOST(client, *baseURL+"/api/admin/mappings", map[string]any{
			"provider_plan_title": *plan,
			"product_id":          *productID,
		}, admin); err != nil {
			panic(fmt.Sprintf("mapping failed: %v", err))
		}
		fmt.Println("mapping ok")
	}

	paidAt := time.Now().UTC()
	key := "link:order:LT-" + uuid.NewString()[:8]

	// 1) the provider redelivers one event many times
	eventID := "evt-" + uuid.NewString()
	fmt.Printf("start redelivery test: key=%s n=%d concurrency=%d\n", key, *total, *concurrency)
	results := run(*total, *concurrency, func(int) Result {
		return postEvent(client, *baseURL, webhook(eventID, key, *plan, *profile, paidAt))
	})
	printSummary("redelivery", results)
	fmt.Printf("  first deliveries -> %d (want 1)\n", countFresh(results))

	// 2) distinct events for the same tracking key race the materializer
	fmt.Printf("\nstart same-key test: key=%s n=%d\n", key, *total)
	results2 := run(*total, *concurrency, func(int) Result {
		return postEvent(client, *baseURL, webhook("evt-"+uuid.NewString(), key, *plan, *profile, paidAt))
	})
	printSummary("same_key", results2)

	time.Sleep(*settle)

	orders := map[string]int{}
	for _, id := range itemIDs(append(results, results2...)) {
		var item struct {
			ProcessingStatus string  `json:"processing_status"`
			MatchedOrderID   *string `json:"matched_order_id"`
		}
		if err := getJSON(client, *baseURL+"/api/admin/queue/"+id, admin, &item); err != nil {
			fmt.Println("queue item check err:", err)
			continue
		}
		if item.MatchedOrderID != nil {
			orders[*item.MatchedOrderID]++
		}
	}
	fmt.Printf("\ndistinct orders for %s -> %d (want 1)\n", key, len(orders))

	var unmat struct {
		Total int64 `json:"total"`
	}
	if err := getJSON(client, *baseURL+"/api/admin/diagnostics/unmaterialized", admin, &unmat); err != nil {
		fmt.Println("diagnostics err:", err)
		return
	}
	fmt.Println("unmaterialized money items:", unmat.Total)
}

func webhook(eventID, key, plan, profile string, at time.Time) map[string]any {
	return map[string]any{
		"provider_event_id": eventID,
		"tracking_key":      key,
		"raw_status":        "successful",
		"plan_title":        plan,
		"amount":            "990",
		"currency":          "RUB",
		"occurred_at":       at,
		"profile_id":        profile,
	}
}

func run(total, concurrency int, call func(int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = call(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func postEvent(client *http.Client, baseURL string, ev any) Result {
	b, _ := json.Marshal(ev)
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/webhooks/payments", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

type ingestData struct {
	Item struct {
		ID string `json:"id"`
	} `json:"item"`
	Duplicate bool `json:"duplicate"`
}

func decodeIngest(r Result) (ingestData, bool) {
	var env envelope
	var data ingestData
	if r.Err != nil || r.Status != http.StatusOK {
		return data, false
	}
	if json.Unmarshal([]byte(r.Body), &env) != nil || json.Unmarshal(env.Data, &data) != nil {
		return data, false
	}
	return data, true
}

func countFresh(results []Result) int {
	n := 0
	for _, r := range results {
		if d, ok := decodeIngest(r); ok && !d.Duplicate {
			n++
		}
	}
	return n
}

func itemIDs(results []Result) []string {
	seen := map[string]bool{}
	var ids []string
	for _, r := range results {
		d, ok := decodeIngest(r)
		if !ok || seen[d.Item.ID] {
			continue
		}
		seen[d.Item.ID] = true
		ids = append(ids, d.Item.ID)
	}
	return ids
}

// printSummary prints the status code distribution.
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 401, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func doPOST(client *http.Client, url string, body any, headers map[string]string) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// getJSON fetches an admin endpoint and decodes its data field into out.
func getJSON(client *http.Client, url string, headers map[string]string, out any) error {
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}
