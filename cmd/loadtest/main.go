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

	"eshop_checkout/internal/model"
	"eshop_checkout/internal/store"

	"gorm.io/gorm"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
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
	dbPath := flag.String("db", "eshop_checkout.db", "sqlite file shared with the server, used to seed buyers")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")
	stock := flag.Int64("stock", 10, "initial stock of the load test variant")
	preload := flag.Bool("preload", true, "preload redis stock cache before test")

	// 超卖测试参数：200 个用户并发抢 10 件
	nUsers := flag.Int("users", 200, "distinct buyers")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	db, err := store.Open(*dbPath, true)
	if err != nil {
		panic(err)
	}
	if err := store.Migrate(db); err != nil {
		panic(err)
	}
	emails, err := seedBuyers(db, *nUsers+1)
	if err != nil {
		panic(fmt.Sprintf("seed buyers: %v", err))
	}

	variantID, err := createVariant(client, *baseURL, *adminToken, *stock)
	if err != nil {
		panic(fmt.Sprintf("create variant: %v", err))
	}
	fmt.Printf("variant %d created with stock %d\n", variantID, *stock)

	if *preload {
		// 先预热 Redis 库存缓存，压测后对比缓存与 DB。
		url := fmt.Sprintf("%s/api/admin/variants/%d/stock/preload", *baseURL, variantID)
		if _, err := doJSON(client, http.MethodPost, url, nil, map[string]string{"X-Admin-Token": *adminToken}); err != nil {
			panic(fmt.Sprintf("preload failed: %v", err))
		}
		fmt.Println("preload ok")
	}

	// 1) 不超卖测试：不同用户各买 1 件并发结账
	fmt.Printf("start oversell test: variant=%d users=%d concurrency=%d\n", variantID, *nUsers, *concurrency)
	results := runParallel(*nUsers, *concurrency, func(idx int) Result {
		return checkoutOnce(client, *baseURL, emails[idx], variantID)
	})
	printSummary("oversell", results)

	created := 0
	for _, r := range results {
		if r.Err == nil && r.Status == http.StatusCreated {
			created++
		}
	}
	final, source, err := getStock(client, *baseURL, variantID)
	if err != nil {
		fmt.Println("stock check err:", err)
	} else {
		fmt.Printf("orders created=%d final stock=%d (%s)\n", created, final, source)
		if int64(created) > *stock || final < 0 || final != *stock-int64(created) {
			fmt.Println("OVERSELL DETECTED")
		}
	}

	// 2) 限流测试：同一个用户重复结账（默认 20/s，容易触发 429）
	same := emails[*nUsers]
	fmt.Printf("\nstart rate limit test: same user (%s), 50 requests, concurrency 50\n", same)
	results2 := runParallel(50, 50, func(int) Result {
		return doRaw(client, http.MethodPost, *baseURL+"/api/orders/checkout", map[string]any{}, map[string]string{"X-User-Email": same})
	})
	printSummary("rate_limit", results2)
}

// seedBuyers 直接写库创建压测用户，已存在则复用。
func seedBuyers(db *gorm.DB, n int) ([]string, error) {
	runID := time.Now().Unix()
	emails := make([]string, n)
	for i := 0; i < n; i++ {
		email := fmt.Sprintf("loadtest-%d-%d@example.com", runID, i)
		u := model.User{Email: email, FullName: fmt.Sprintf("Load Test %d", i)}
		if err := db.Where(model.User{Email: email}).FirstOrCreate(&u).Error; err != nil {
			return nil, err
		}
		emails[i] = email
	}
	return emails, nil
}

func createVariant(client *http.Client, baseURL, adminToken string, stock int64) (uint, error) {
	body := map[string]any{
		"product_id": 1,
		"sku":        fmt.Sprintf("LOAD-%d", time.Now().UnixNano()),
		"name":       "Load test variant",
		"price":      "25.00",
		"stock":      stock,
	}
	env, err := doJSON(client, http.MethodPost, baseURL+"/api/admin/variants", body, map[string]string{"X-Admin-Token": adminToken})
	if err != nil {
		return 0, err
	}
	var v struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return 0, err
	}
	return v.ID, nil
}

// checkoutOnce 加购 1 件后立即结账。
func checkoutOnce(client *http.Client, baseURL, email string, variantID uint) Result {
	headers := map[string]string{"X-User-Email": email}
	r := doRaw(client, http.MethodPut, baseURL+"/api/cart/items",
		map[string]any{"variant_id": variantID, "quantity": 1}, headers)
	if r.Err != nil || r.Status >= 300 {
		return r
	}
	return doRaw(client, http.MethodPost, baseURL+"/api/orders/checkout", map[string]any{
		"address": map[string]any{
			"recipient_name": "Load Test",
			"line1":          "1 Le Loi",
			"city":           "Ho Chi Minh City",
			"country_code":   "VN",
		},
		"shipping_amount": "0",
	}, headers)
}

func runParallel(total, concurrency int, fn func(idx int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func doRaw(client *http.Client, method, url string, body any, headers map[string]string) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		return Result{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

// doJSON 发送请求并解析统一响应体，非 2xx 视为错误。
func doJSON(client *http.Client, method, url string, body any, headers map[string]string) (envelope, error) {
	r := doRaw(client, method, url, body, headers)
	if r.Err != nil {
		return envelope{}, r.Err
	}
	if r.Status >= 300 {
		return envelope{}, fmt.Errorf("status=%d body=%s", r.Status, r.Body)
	}
	var env envelope
	if err := json.Unmarshal([]byte(r.Body), &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

// printSummary 聚合输出不同状态码分布。
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
	for _, code := range []int{200, 201, 400, 401, 404, 409, 429, 500, 502} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// getStock 查询当前库存（缓存优先），用于压测后校验是否出现超卖。
func getStock(client *http.Client, baseURL string, variantID uint) (int64, string, error) {
	env, err := doJSON(client, http.MethodGet, fmt.Sprintf("%s/api/variants/%d/stock", baseURL, variantID), nil, nil)
	if err != nil {
		return 0, "", err
	}
	var out struct {
		Stock  int64  `json:"stock"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return 0, "", err
	}
	return out.Stock, out.Source, nil
}
