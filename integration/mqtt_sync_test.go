//go:build integration

// Package integration exercises the daemon's sync path end to end: actions
// queued while disconnected are replayed to a real authority once the MQTT
// session comes up.
//
// Prerequisites:
//   - MQTT broker (Mosquitto) running on localhost:1883
//   - Set MQTT_BROKER and MQTT_PORT env vars to override defaults
//
// Run with: go test -v -tags=integration -timeout=60s ./integration/...
package integration

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/mealsync/internal/authority"
	"github.com/clawinfra/mealsync/internal/connectivity"
	"github.com/clawinfra/mealsync/internal/offline"
	"github.com/clawinfra/mealsync/internal/security"
	"github.com/clawinfra/mealsync/internal/storage"
	"github.com/clawinfra/mealsync/internal/syncproto"
	"github.com/clawinfra/mealsync/internal/types"
)

func brokerURL() string {
	host := "localhost"
	if b := os.Getenv("MQTT_BROKER"); b != "" {
		host = b
	}
	port := 1883
	if p := os.Getenv("MQTT_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// requireBroker skips the test when no broker answers.
func requireBroker(t *testing.T) {
	t.Helper()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL())
	opts.SetClientID("mealsync-probe-" + strconv.FormatInt(time.Now().UnixNano(), 36))
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		t.Skip("MQTT broker not available (connection timeout), skipping integration test")
	}
	if err := token.Error(); err != nil {
		t.Skipf("MQTT broker not available (%v), skipping integration test", err)
	}
	client.Disconnect(250)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMQTTMonitorTracksSession(t *testing.T) {
	requireBroker(t)

	m := connectivity.NewMQTTMonitor(brokerURL(), "", nil)
	edges := make(chan bool, 4)
	defer m.OnTransition(func(online bool) { edges <- online })()

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "online", m.Online)

	m.Stop()
	if m.Online() {
		t.Error("monitor still online after Stop")
	}

	var got []bool
	for len(edges) > 0 {
		got = append(got, <-edges)
	}
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("edges = %v, want [true false]", got)
	}
}

func TestQueuedActionsReplayOnConnect(t *testing.T) {
	requireBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("integration-secret")
	store, err := authority.OpenStore(filepath.Join(t.TempDir(), "authority.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	srv := httptest.NewServer(authority.NewServer(store, secret, 0, nil).Handler())
	defer srv.Close()

	token, err := security.GenerateToken("user-1", secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	client := syncproto.NewClient(syncproto.Options{
		Endpoint:  srv.URL + syncproto.DefaultPath,
		AuthToken: token,
	}, nil)

	local, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	monitor := connectivity.NewMQTTMonitor(brokerURL(), "", nil)
	q, err := offline.New(local, client, monitor, nil)
	if err != nil {
		t.Fatalf("offline.New: %v", err)
	}

	// Queued while the monitor has not connected yet.
	if _, err := q.AddAction(types.ActionAddWeight, types.WeightPayload{Weight: 71.5, Date: "2024-06-01"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.AddAction(types.ActionAddMeal, types.MealPayload{MealID: "m-1", Name: "oats", Calories: 350, EatenAt: "2024-06-01T08:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if q.PendingCount() != 2 {
		t.Fatalf("pending = %d before connect", q.PendingCount())
	}

	synced := make(chan types.Summary, 1)
	rec := offline.NewReconciler(q, monitor, nil)
	rec.OnSync = func(s types.Summary) {
		select {
		case synced <- s:
		default:
		}
	}
	rec.Start(ctx)
	defer rec.Stop()

	if err := monitor.Start(); err != nil {
		t.Fatalf("monitor.Start: %v", err)
	}
	defer monitor.Stop()

	select {
	case s := <-synced:
		if !s.Success || s.Synced != 2 {
			t.Fatalf("summary = %+v", s)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("no sync after connecting")
	}

	if q.PendingCount() != 0 {
		t.Errorf("pending = %d after sync", q.PendingCount())
	}
	weights, err := store.Weights(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(weights) != 1 || weights[0].Weight != 71.5 {
		t.Errorf("weights = %+v", weights)
	}
	meals, err := store.Meals(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(meals) != 1 {
		t.Errorf("meals = %+v", meals)
	}
}
