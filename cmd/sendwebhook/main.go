// Command sendwebhook posts signed test webhooks at the ingest endpoint. It
// covers local smoke testing and small load runs against a deployed stack.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/tidwall/sjson"

	"github.com/hookrelay/hookrelay/internal/service"
)

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8000", "API base URL")
		secret    = flag.String("secret", "", "HMAC secret of the target (SECRET_KEY)")
		count     = flag.Int("count", 10, "number of webhooks to send")
		eventType = flag.String("event-type", "order.created", "event_type stamped into each payload")
		gap       = flag.Duration("gap", 100*time.Millisecond, "delay between sends")
		repeatKey = flag.String("repeat-key", "", "send every request with this idempotency key instead of fresh ones")
	)
	flag.Parse()

	if *secret == "" {
		log.Fatal("missing -secret")
	}

	signatures := service.NewSignatureService(*secret, 5*time.Minute)
	client := req.C().SetTimeout(10 * time.Second)
	target := *baseURL + "/api/v1/webhooks/ingest"

	delivered := 0
	for i := 1; i <= *count; i++ {
		body := []byte(`{}`)
		body, _ = sjson.SetBytes(body, "event_type", *eventType)
		body, _ = sjson.SetBytes(body, "order_id", i)
		body, _ = sjson.SetBytes(body, "sent_at", time.Now().UTC().Format(time.RFC3339Nano))

		idempotencyKey := *repeatKey
		if idempotencyKey == "" {
			idempotencyKey = uuid.NewString()
		}
		timestamp := time.Now().UTC().Format(time.RFC3339)

		resp, err := client.R().
			SetHeader("Content-Type", "application/json").
			SetHeader("Idempotency-Key", idempotencyKey).
			SetHeader("X-Timestamp", timestamp).
			SetHeader("X-Signature", signatures.Sign(timestamp, body)).
			SetBodyBytes(body).
			Post(target)
		if err != nil {
			log.Printf("send %d failed: %v", i, err)
			continue
		}

		if resp.IsSuccessState() {
			delivered++
		}
		fmt.Printf("%3d  %s  key=%s\n", i, resp.Status, idempotencyKey)

		if i < *count {
			time.Sleep(*gap)
		}
	}

	fmt.Printf("done: %d/%d accepted\n", delivered, *count)
}
