// Command pam is the Petal App Manager daemon: it loads configuration,
// starts every configured proxy (MAVLink, Redis, MQTT, cloud/local DB,
// object store), loads and starts petals, and serves the control/health
// HTTP API until terminated.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DroneLeaf/petal-app-manager/internal/api"
	"github.com/DroneLeaf/petal-app-manager/internal/clouddb"
	"github.com/DroneLeaf/petal-app-manager/internal/cmdaction"
	"github.com/DroneLeaf/petal-app-manager/internal/config"
	"github.com/DroneLeaf/petal-app-manager/internal/health"
	"github.com/DroneLeaf/petal-app-manager/internal/localdb"
	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/mavlink"
	"github.com/DroneLeaf/petal-app-manager/internal/mqttproxy"
	"github.com/DroneLeaf/petal-app-manager/internal/objectstore"
	"github.com/DroneLeaf/petal-app-manager/internal/petal"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
	"github.com/DroneLeaf/petal-app-manager/internal/redisproxy"
	"github.com/DroneLeaf/petal-app-manager/internal/session"
	"github.com/DroneLeaf/petal-app-manager/internal/telemetry"
	"github.com/DroneLeaf/petal-app-manager/internal/worker"
)

const version = "1.0.0"

// discoveryGroup is the petal.RegisterDiscoverable group PAM scans when a
// candidate petal has no constructor registered with petal.RegisterDirect.
const discoveryGroup = "pam.petals"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "pam",
		Short:   "Petal App Manager — on-device runtime for drone companion computer petals",
		Version: version,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the PAM daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the PAM configuration file")

	root.AddCommand(serve)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sinks, err := logging.NewSinkSet(logging.DefaultOutputMap(), cfg.Logging.Dir, "pam")
	if err != nil {
		return fmt.Errorf("constructing log sinks: %w", err)
	}
	log := logging.NewManager(cfg.Logging.RingSize, logging.ParseLevel(cfg.Logging.Level), sinks)
	defer sinks.Close()
	log.InstallStdlibInterceptor("pam")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelEndpoint := os.Getenv("PETAL_OTEL_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	shutdownTelemetry, err := telemetry.Init(rootCtx, "pam", otelEndpoint)
	if err != nil {
		log.Warning("main", "telemetry init failed, continuing without tracing: %v", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	proxies := proxy.NewRegistry()

	redisP := redisproxy.New(redisproxy.Config{
		Host: cfg.Redis.Host, Port: cfg.Redis.Port, UnixSocketPath: cfg.Redis.UnixSocketPath,
		WorkerThreads: cfg.Redis.WorkerThreads, RetryInterval: cfg.Redis.RetryInterval,
	}, log)
	proxies.Register(redisP, nil)

	mavlinkP := mavlink.New(mavlink.Config{
		Endpoint: cfg.MAVLink.Endpoint, Baud: cfg.MAVLink.Baud, WorkerThreads: cfg.MAVLink.WorkerThreads,
		HeartbeatSendFrequency: cfg.MAVLink.HeartbeatSendFrequency,
		SourceSystemID:         cfg.MAVLink.SourceSystemID,
		SourceComponentID:      cfg.MAVLink.SourceComponentID,
		BufferCapacity:         cfg.MAVLink.BufferCapacity,
		RetryInterval:          cfg.MAVLink.RetryInterval,
	}, log)
	proxies.Register(mavlinkP, nil)

	localDB := localdb.New(localdb.Config{
		BaseURL: cfg.LocalDB.Endpoint, MachineID: cfg.Identity.MachineID, RetryInterval: cfg.LocalDB.RetryInterval,
	})
	proxies.Register(localDB, nil)

	mqttPool := worker.NewPool("MQTTWorker", 4)
	var dispatcher *cmdaction.Dispatcher
	mqttP := mqttproxy.New(mqttproxy.Config{
		BridgeBaseURL:        fmt.Sprintf("http://%s:%d", cfg.MQTT.TSClientHost, cfg.MQTT.TSClientPort),
		ListenAddr:           fmt.Sprintf("%s:%d", cfg.MQTT.CallbackHost, cfg.MQTT.CallbackPort),
		BufferDepth:          cfg.MQTT.IngressBuffer,
		IngressQueueDepth:    cfg.MQTT.IngressBuffer,
		IdentityPollInterval: 5 * time.Second,
		RetryInterval:        cfg.MQTT.RetryInterval,
	}, log, newIdentitySource(cfg, localDB), func(cmd mqttproxy.IncomingCommand) {
		if dispatcher != nil {
			dispatcher.HandleFunc()(cmd)
		}
	})
	proxies.Register(mqttP, nil)
	dispatcher = cmdaction.NewDispatcher(mqttPool, mqttP, log)

	sessionMgr := session.NewManager(newSessionRefresher(cfg), time.Minute)
	if err := sessionMgr.Bootstrap(rootCtx); err != nil {
		log.Warning("main", "session bootstrap failed, cloud proxies start unauthenticated: %v", err)
	}
	defer sessionMgr.Stop()

	cloudDB := clouddb.New(clouddb.Config{
		BaseURL: cfg.Cloud.Endpoint, RetryInterval: cfg.Cloud.RetryInterval,
	}, sessionMgr)
	proxies.Register(cloudDB, nil)

	objStore := objectstore.New(objectstore.Config{
		Bucket: cfg.Cloud.S3BucketName, Region: cfg.Cloud.S3Region, EndpointURL: cfg.Cloud.S3EndpointURL,
	}, sessionMgr)
	proxies.Register(objStore, nil)

	if len(cfg.EnabledProxies) > 0 {
		enabled := make(map[string]bool, len(cfg.EnabledProxies))
		for _, name := range cfg.EnabledProxies {
			enabled[name] = true
		}
		for _, name := range proxies.Names() {
			proxies.SetEnabled(name, enabled[name])
		}
	}

	for _, rp := range proxies.List() {
		if !rp.Enabled {
			continue
		}
		if err := rp.Proxy.Start(rootCtx); err != nil {
			log.Error("main", "proxy %s failed to start: %v", rp.Proxy.Name(), err)
		}
	}
	defer proxies.StopAll(context.Background())

	petalMgr := petal.NewManager(log, proxies, discoveryGroup)
	for _, result := range petalMgr.InitializePetals(append(append([]string{}, cfg.StartupPetals...), cfg.EnabledPetals...)) {
		if !result.Loaded {
			log.Error("main", "petal %s failed to initialize: %s", result.Name, result.Error)
		}
	}
	if err := petalMgr.StartupPetals(rootCtx, cfg.StartupPetals); err != nil {
		log.Error("main", "startup petals failed: %v", err)
	}
	petalMgr.StartEnabledPetals(rootCtx, cfg.EnabledPetals)
	defer petalMgr.ShutdownAll(context.Background())

	publisher := health.NewPublisher(proxies, petalMgr, redisP, log, 10*time.Second)
	go publisher.Run(rootCtx)

	var watcher *config.Watcher
	if cfg.ConfigPath != "" {
		watcher, err = config.NewWatcher(cfg.ConfigPath)
		if err != nil {
			log.Warning("main", "config file watch failed, restart-status divergence detection disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	server := api.NewServer(api.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Server.HTTPHost, cfg.Server.HTTPPort),
	}, cfg, watcher, proxies, petalMgr, publisher, log)
	for _, name := range petalMgr.Loaded() {
		if p, ok := petalMgr.Get(name); ok {
			server.MountPetal(name, p)
		}
	}

	go func() {
		log.Info("main", "PAM API listening on %s", cfg.Server.HTTPHost)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Critical("main", "http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("main", "shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	return nil
}

// deviceIdentitySource resolves the organization/device id the MQTT proxy
// scopes its topics under: the static config values if both were set at
// startup, otherwise a lazy lookup in the local database (populated by the
// org manager once this device is claimed).
type deviceIdentitySource struct {
	cfg      *config.Config
	localDB  *localdb.Proxy
}

func newIdentitySource(cfg *config.Config, localDB *localdb.Proxy) *deviceIdentitySource {
	return &deviceIdentitySource{cfg: cfg, localDB: localDB}
}

func (d *deviceIdentitySource) Identity(ctx context.Context) (orgID, deviceID string, err error) {
	if d.cfg.Identity.OrgID != "" && d.cfg.Identity.MachineID != "" {
		return d.cfg.Identity.OrgID, d.cfg.Identity.MachineID, nil
	}

	item, err := d.localDB.GetItem(ctx, "identity", "self")
	if err != nil {
		return "", "", fmt.Errorf("fetching identity from local db: %w", err)
	}
	orgID, _ = item["org_id"].(string)
	deviceID, _ = item["device_id"].(string)
	if deviceID == "" {
		deviceID = d.cfg.Identity.MachineID
	}
	if orgID == "" || deviceID == "" {
		return "", "", fmt.Errorf("identity not yet assigned")
	}
	return orgID, deviceID, nil
}

// newSessionRefresher builds the RefreshFunc PAM's session manager uses to
// obtain a fresh bearer token from the backend: exchange this device's
// machine id for an access token, then exchange that for a session token
// scoped to the robot_instance_id invariant enforced downstream.
func newSessionRefresher(cfg *config.Config) session.RefreshFunc {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context) (string, error) {
		access, err := postForToken(ctx, client, cfg.Cloud.AccessTokenURL, map[string]string{
			"machine_id": cfg.Identity.MachineID,
		})
		if err != nil {
			return "", fmt.Errorf("fetching access token: %w", err)
		}
		sessionToken, err := postForToken(ctx, client, cfg.Cloud.SessionTokenURL, map[string]string{
			"access_token": access,
		})
		if err != nil {
			return "", fmt.Errorf("fetching session token: %w", err)
		}
		return sessionToken, nil
	}
}

func postForToken(ctx context.Context, client *http.Client, url string, body map[string]string) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

