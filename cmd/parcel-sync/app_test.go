package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier/fake"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier/track17http"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/parcels"
	"github.com/BearBump/ParcelSync/internal/services/scheduler"
)

func TestDefaultAppFactories_SelectCarrierClient(t *testing.T) {
	f := defaultAppFactories()

	cfgFake := (&config.Config{ParcelSync: config.ParcelSyncConfig{CarrierMode: "fake"}}).WithDefaults()
	_, ok := f.newCarrierClient(cfgFake).(*fake.Client)
	require.True(t, ok)

	cfg17 := (&config.Config{ParcelSync: config.ParcelSyncConfig{Track17APIKey: "k"}}).WithDefaults()
	_, ok = f.newCarrierClient(cfg17).(*track17http.Client)
	require.True(t, ok)
}

func TestDefaultAppFactories_OptionalBackends(t *testing.T) {
	f := defaultAppFactories()
	bare := (&config.Config{}).WithDefaults()

	c, closeFn := f.newCache(bare)
	require.IsType(t, cache.Nop{}, c)
	require.Nil(t, closeFn)

	rl, _ := f.newRateLimiter(bare)
	require.Nil(t, rl)
	p, _ := f.newProducer(bare)
	require.Nil(t, p)
	relay, _ := f.newRelayConsumer(bare)
	require.Nil(t, relay)

	wired := (&config.Config{
		Kafka:      config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis:      config.RedisConfig{Host: "localhost", Port: 6379},
		ParcelSync: config.ParcelSyncConfig{RateLimitPerMinute: 60},
	}).WithDefaults()

	c, closeFn = f.newCache(wired)
	require.NotNil(t, c)
	closeFn()
	rl, closeFn = f.newRateLimiter(wired)
	require.NotNil(t, rl)
	closeFn()
	p, closeFn = f.newProducer(wired)
	require.NotNil(t, p)
	closeFn()
}

func TestDefaultAppFactories_Storage(t *testing.T) {
	f := defaultAppFactories()

	cfg := (&config.Config{Database: config.DatabaseConfig{Path: t.TempDir()}}).WithDefaults()
	st, closeFn, err := f.newStorage(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, st)
	closeFn()

	cfg.Database.Driver = "mysql"
	_, _, err = f.newStorage(context.Background(), cfg)
	require.ErrorContains(t, err, "mysql")
}

type cliResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
database:
  driver: sqlite
  path: %s
parcelsync:
  carrier_mode: fake
  staleness_days: 36500
%s`, filepath.Join(dir, "data"), extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, cfgPath string, args ...string) (cliResult, error) {
	t.Helper()
	var out bytes.Buffer
	app := newCLIApp(defaultAppFactories(), &out)
	err := app.Run(append([]string{"parcel-sync", "--config", cfgPath}, args...))

	var res cliResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res), out.String())
	return res, err
}

func TestCLI_Lifecycle(t *testing.T) {
	cfgPath := writeConfig(t, "")

	res, err := runCLI(t, cfgPath, "add", "LX123456789CN")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = runCLI(t, cfgPath, "add")
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, "INVALID_INPUT", res.Code)

	res, err = runCLI(t, cfgPath, "sync")
	require.NoError(t, err)
	var rep scheduler.Report
	require.NoError(t, json.Unmarshal(res.Data, &rep))
	require.Equal(t, 1, rep.Total)
	require.Equal(t, 1, rep.Updated)
	require.NotEmpty(t, rep.RunID)

	res, err = runCLI(t, cfgPath, "sync", "--number", "LX123456789CN")
	require.NoError(t, err)
	var one scheduler.PackageResult
	require.NoError(t, json.Unmarshal(res.Data, &one))
	require.Equal(t, scheduler.OutcomeUnchanged, one.Outcome)

	res, err = runCLI(t, cfgPath, "get", "LX123456789CN")
	require.NoError(t, err)
	var details models.PackageDetails
	require.NoError(t, json.Unmarshal(res.Data, &details))
	require.GreaterOrEqual(t, len(details.Events), 2)
	require.NotEqual(t, models.StatusPending, details.Package.Status)

	res, err = runCLI(t, cfgPath, "list", "--status", "pending")
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(res.Data))

	res, err = runCLI(t, cfgPath, "list", "--status", "lost")
	require.Error(t, err)
	require.Equal(t, "INVALID_INPUT", res.Code)

	res, err = runCLI(t, cfgPath, "delete", "LX123456789CN")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = runCLI(t, cfgPath, "get", "LX123456789CN")
	require.Error(t, err)
	require.Equal(t, "NOT_FOUND", res.Code)
}

func TestCLI_ExportImport(t *testing.T) {
	src := writeConfig(t, "")
	for _, tn := range []string{"A1", "B2"} {
		_, err := runCLI(t, src, "add", tn)
		require.NoError(t, err)
	}
	_, err := runCLI(t, src, "sync")
	require.NoError(t, err)

	exportPath := filepath.Join(t.TempDir(), "export.json")
	res, err := runCLI(t, src, "export", "--output", exportPath)
	require.NoError(t, err)
	require.JSONEq(t, fmt.Sprintf(`{"path":%q,"count":2}`, exportPath), string(res.Data))

	dst := writeConfig(t, "")
	res, err = runCLI(t, dst, "import", "--file", exportPath)
	require.NoError(t, err)
	var rep parcels.ImportReport
	require.NoError(t, json.Unmarshal(res.Data, &rep))
	require.Equal(t, 2, rep.Created)
	require.Positive(t, rep.EventsApplied)

	for _, tn := range []string{"A1", "B2"} {
		a, err := runCLI(t, src, "get", tn)
		require.NoError(t, err)
		b, err := runCLI(t, dst, "get", tn)
		require.NoError(t, err)

		var da, db models.PackageDetails
		require.NoError(t, json.Unmarshal(a.Data, &da))
		require.NoError(t, json.Unmarshal(b.Data, &db))
		require.Equal(t, da.Package.Status, db.Package.Status)
		require.Len(t, db.Events, len(da.Events))
	}

	// Stdout of export is accepted as is.
	res, err = runCLI(t, src, "export")
	require.NoError(t, err)
	envPath := filepath.Join(t.TempDir(), "stdout.json")
	env, _ := json.Marshal(res)
	require.NoError(t, os.WriteFile(envPath, env, 0o600))
	res, err = runCLI(t, dst, "import", "--file", envPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(res.Data, &rep))
	require.Equal(t, 2, rep.Existing)
	require.Zero(t, rep.EventsApplied)
}

func TestCLI_ImportCSV(t *testing.T) {
	cfgPath := writeConfig(t, "")
	csvPath := filepath.Join(t.TempDir(), "packages.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("tracking_number,carrier\nC1,usps\nC2,\n"), 0o600))

	res, err := runCLI(t, cfgPath, "import", "--file", csvPath)
	require.NoError(t, err)
	var rep parcels.ImportReport
	require.NoError(t, json.Unmarshal(res.Data, &rep))
	require.Equal(t, 2, rep.Created)

	res, err = runCLI(t, cfgPath, "get", "C2")
	require.NoError(t, err)
	var details models.PackageDetails
	require.NoError(t, json.Unmarshal(res.Data, &details))
	require.Equal(t, "auto", details.Package.Carrier)

	bad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("carrier\nusps\n"), 0o600))
	res, err = runCLI(t, cfgPath, "import", "--file", bad)
	require.Error(t, err)
	require.Equal(t, "INVALID_INPUT", res.Code)
}

func TestReadRecords(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(plain, []byte("number\nA1\nB2\n"), 0o600))
	recs, err := readRecords(plain)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "B2", recs[1].Number)

	js := filepath.Join(dir, "list.json")
	require.NoError(t, os.WriteFile(js, []byte(`[{"number":"A1","carrier":"dhl"},{"tracking_number":"B2"}]`), 0o600))
	recs, err = readRecords(js)
	require.NoError(t, err)
	require.Equal(t, "dhl", recs[0].Carrier)
	require.Equal(t, "B2", recs[1].TrackingNumber)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`[{"number":`), 0o600))
	_, err = readRecords(broken)
	require.Error(t, err)

	_, err = readRecords(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestServe_WebhookUntilCancelled(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, "  http_addr: 127.0.0.1:0\n  sync_interval_seconds: 3600\n"))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, defaultAppFactories())
	require.NoError(t, err)
	defer a.Close()

	addrCh := make(chan string, 1)
	a.onListen = func(addr string) { addrCh <- addr }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, a.svc.Add(ctx, "W1", "auto").Success)

	done := make(chan parcels.Result, 1)
	go func() { done <- a.svc.StartWebhookServer(ctx, 0) }()

	var addr string
	select {
	case addr = <-addrCh:
	case res := <-done:
		t.Fatalf("server exited early: %+v", res)
	}

	resp, err := http.Post("http://"+addr+"/webhook", "application/json",
		strings.NewReader(`{"tracking_number":"W1","status":"Delivered","timestamp":"2025-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := a.svc.Get(ctx, "W1")
	require.True(t, got.Success)
	require.Equal(t, models.StatusDelivered, got.Data.(*models.PackageDetails).Package.Status)

	cancel()
	select {
	case res := <-done:
		require.True(t, res.Success, res.Error)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop")
	}
}
