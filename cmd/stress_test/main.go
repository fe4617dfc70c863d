package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	initialStock  = 20
	totalRequests = 50
)

type lineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type placeOrderRequest struct {
	RequestID string     `json:"request_id"`
	Items     []lineItem `json:"items"`
}

type stockResponse struct {
	OnHand    int64 `json:"on_hand"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "printshop HTTP address")
	token := flag.String("token", "", "bearer token")
	flag.Parse()

	client := resty.New().
		SetBaseURL(*baseURL).
		SetTimeout(10 * time.Second)
	if *token != "" {
		client.SetAuthToken(*token)
	}

	// Fresh product per run so earlier runs do not interfere
	itemID := "stress-" + uuid.NewString()[:8]

	resp, err := client.R().
		SetBody(map[string]any{"kind": "finished_good"}).
		Put("/api/stock/" + itemID)
	if err != nil || resp.StatusCode() != http.StatusOK {
		log.Fatalf("failed to register stock: %v %s", err, resp.String())
	}
	resp, err = client.R().
		SetBody(map[string]any{"kind": "finished_good", "quantity": initialStock}).
		Post("/api/stock/" + itemID + "/receive")
	if err != nil || resp.StatusCode() != http.StatusOK {
		log.Fatalf("failed to receive stock: %v %s", err, resp.String())
	}

	// Counters
	var successCount atomic.Int32
	var rejectedCount atomic.Int32
	var errorCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			resp, err := client.R().
				SetBody(placeOrderRequest{
					RequestID: uuid.NewString(),
					Items:     []lineItem{{ProductID: itemID, Quantity: 1}},
				}).
				Post("/api/orders")
			switch {
			case err != nil:
				errorCount.Add(1)
			case resp.StatusCode() == http.StatusCreated:
				successCount.Add(1)
			case resp.StatusCode() == http.StatusBadRequest:
				rejectedCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	rejected := rejectedCount.Load()
	failed := errorCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Product:          %s\n", itemID)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Errors:           %d\n", failed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == int32(initialStock) && rejected == int32(totalRequests-initialStock) {
		fmt.Printf("PASS: Exactly %d orders reserved, %d rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d reserved/%d rejected, got %d/%d (%d errors)\n",
			initialStock, totalRequests-initialStock, success, rejected, failed)
	}

	// Verify final ledger state
	var stock stockResponse
	resp, err = client.R().SetResult(&stock).Get("/api/stock/" + itemID)
	if err != nil || resp.StatusCode() != http.StatusOK {
		log.Fatalf("failed to read stock: %v %s", err, resp.String())
	}
	fmt.Printf("Final Stock:      on_hand=%d reserved=%d available=%d\n", stock.OnHand, stock.Reserved, stock.Available)

	if stock.Available == 0 && stock.Reserved == initialStock {
		fmt.Println("PASS: Stock fully reserved, never oversold")
	} else {
		fmt.Printf("FAIL: Expected reserved %d and available 0, got %d/%d\n", initialStock, stock.Reserved, stock.Available)
	}
}
