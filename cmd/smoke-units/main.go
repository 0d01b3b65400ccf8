package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// End-to-end smoke check against a running careunits-api: issues a token,
// provisions an authorization, walks units through reserve/consume/release
// and verifies the counts stay conserved.
func main() {
	base := os.Getenv("CAREUNITS_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	var tokenResp struct {
		Token string `json:"token"`
	}
	post(client, base+"/v1/auth/token", "", map[string]any{
		"user":         "smoke",
		"organization": "org-smoke",
		"roles":        []string{"administrator"},
	}, &tokenResp)
	if tokenResp.Token == "" {
		log.Fatal("no token issued")
	}

	var created struct {
		ID string `json:"id"`
	}
	post(client, base+"/v1/authorizations", tokenResp.Token, map[string]any{
		"patient_id":      fmt.Sprintf("pat-smoke-%d", time.Now().UnixNano()),
		"service_code_id": "97153",
		"total_units":     40,
		"start_date":      time.Now().UTC().AddDate(0, 0, -1),
		"end_date":        time.Now().UTC().AddDate(0, 3, 0),
	}, &created)
	if created.ID == "" {
		log.Fatal("no authorization id returned")
	}

	type balance struct {
		TotalUnits     int `json:"total_units"`
		UsedUnits      int `json:"used_units"`
		ScheduledUnits int `json:"scheduled_units"`
		AvailableUnits int `json:"available_units"`
	}
	var b balance

	post(client, base+"/v1/authorizations/"+created.ID+"/reserve", tokenResp.Token, map[string]any{"units": 12}, &b)
	if b.ScheduledUnits != 12 || b.AvailableUnits != 28 {
		log.Fatalf("unexpected balance after reserve: %+v", b)
	}
	post(client, base+"/v1/authorizations/"+created.ID+"/consume", tokenResp.Token, map[string]any{"units": 8}, &b)
	if b.UsedUnits != 8 || b.ScheduledUnits != 4 {
		log.Fatalf("unexpected balance after consume: %+v", b)
	}
	post(client, base+"/v1/authorizations/"+created.ID+"/release", tokenResp.Token, map[string]any{"units": 4}, &b)
	if b.ScheduledUnits != 0 || b.AvailableUnits != 32 {
		log.Fatalf("unexpected balance after release: %+v", b)
	}
	if b.UsedUnits+b.ScheduledUnits+b.AvailableUnits != b.TotalUnits {
		log.Fatalf("unit conservation failed: %+v", b)
	}

	fmt.Printf("smoke test passed: authorization=%s\n", created.ID)
}

func post(client *http.Client, url, token string, body any, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", url, err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("call %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("call %s: unexpected status %d", url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
}
