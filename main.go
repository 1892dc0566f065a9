package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// CLI flags
	configPath = flag.String("config", "/config/config.yaml", "Path to configuration file")
	dryRun     = flag.Bool("dry-run", false, "Run in dry-run mode (log commands instead of writing the serial port)")
	testLink   = flag.Bool("test-link", false, "Run a short jog sequence on the actuator link and exit")
	listPorts  = flag.Bool("list-ports", false, "List available serial ports and exit")
	logLevel   = flag.String("log-level", "", "Override log level (debug, info, warn, error)")
)

var debugLogging atomic.Bool

// testLinkDelay is the pause between self-test jogs
var testLinkDelay = 500 * time.Millisecond

// setLogLevel enables or disables debug output
func setLogLevel(level string) {
	debugLogging.Store(level == "debug")
}

// logDebugf logs only when the log level is debug
func logDebugf(format string, args ...any) {
	if debugLogging.Load() {
		log.Printf(format, args...)
	}
}

func main() {
	flag.Parse()

	if *listPorts {
		ports, err := ListSerialPorts()
		if err != nil {
			log.Fatalf("Failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	// Load configuration
	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override log level if specified
	if *logLevel != "" {
		config.Server.LogLevel = *logLevel
	}
	setLogLevel(config.Server.LogLevel)

	log.Printf("Starting gimbal controller (config: %s)", *configPath)

	if err := validateEnvironment(config); err != nil {
		log.Printf("Warning: %v", err)
	}

	link, err := openLink(config)
	if err != nil {
		log.Fatalf("Failed to open actuator link: %v", err)
	}

	// Handle test-link flag
	if *testLink {
		err := TestLinkCommand(link, config)
		link.Close()
		if err != nil {
			log.Fatalf("Link test failed: %v", err)
		}
		log.Println("Link test completed successfully")
		return
	}

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	opts, err := config.ControllerOptions()
	if err != nil {
		log.Fatalf("Invalid controller configuration: %v", err)
	}
	for _, w := range NewPIDTuning(opts.Gains).ValidateGains() {
		log.Printf("Warning: %s", w)
	}

	controller, err := NewGimbalController(opts, link, metrics)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	server := NewServer(config.Server, controller, link, registry)
	server.SetConfigStore(NewConfigStore(*configPath))
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start control server: %v", err)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(4)
	go func() {
		defer wg.Done()
		link.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		server.Broadcast(ctx)
	}()
	go func() {
		defer wg.Done()
		runStatusLogger(ctx, controller, config.Server.LogInterval)
	}()

	log.Printf("Gimbal controller ready (link: %s, protocol: %s, tick: %v)",
		config.Link.Port, config.Link.Protocol, config.Control.TickInterval)

	// Wait for shutdown signal
	<-sigChan
	log.Println("Received shutdown signal, stopping tracking...")

	// Let the loop apply the disable so the gimbal holds its last pose
	if err := controller.Submit(DisableTracking()); err != nil {
		log.Printf("Warning: failed to disable tracking during shutdown: %v", err)
	}
	time.Sleep(2 * config.Control.TickInterval)

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Warning: control server shutdown: %v", err)
	}
	if err := link.Close(); err != nil {
		log.Printf("Warning: failed to close actuator link: %v", err)
	}

	LogStatusSummary(controller.Status())
	log.Println("Gimbal controller stopped")
}

// openLink builds the encoder and port for the configured link
func openLink(config *Config) (*Link, error) {
	encoder, err := NewEncoder(config.Link.Protocol)
	if err != nil {
		return nil, err
	}

	opener := SerialOpener(config.Link.Port, config.Link.PortOptions)
	if *dryRun {
		log.Printf("Dry-run mode: commands for %s will be logged, not sent", config.Link.Port)
		opener = DryRunOpener()
	}

	return NewLink(opener, encoder, config.Link.WriteTimeout, config.Link.QueueSize)
}

// runStatusLogger periodically logs a one-line controller summary
func runStatusLogger(ctx context.Context, controller *GimbalController, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			LogStatusSummary(controller.Status())
		}
	}
}

// TestLinkCommand jogs each axis by the configured manual step and back,
// writing directly to the link
func TestLinkCommand(link *Link, config *Config) error {
	steps := stepsFor(config.Control.ManualStep / config.Control.StepToDegree)
	jog := ServoCenter

	sequence := []struct {
		name string
		cmd  StepCommand
	}{
		{"right", StepCommand{StepX: steps, Pose: Pose{X: jog + config.Control.ManualStep, Y: jog}}},
		{"center", StepCommand{StepX: -steps, Pose: Pose{X: jog, Y: jog}}},
		{"up", StepCommand{StepY: steps, Pose: Pose{X: jog, Y: jog + config.Control.ManualStep}}},
		{"center", StepCommand{StepY: -steps, Pose: Pose{X: jog, Y: jog}}},
	}

	log.Printf("Testing actuator link on %s (%d steps per jog)", config.Link.Port, steps)
	for _, s := range sequence {
		if err := link.WriteDirect(s.cmd); err != nil {
			return fmt.Errorf("jog %s failed: %w", s.name, err)
		}
		log.Printf("Jog %s: (%d, %d) -> (%.1f°, %.1f°)", s.name, s.cmd.StepX, s.cmd.StepY, s.cmd.Pose.X, s.cmd.Pose.Y)
		time.Sleep(testLinkDelay)
	}
	if n := link.Received(); n > 0 {
		log.Printf("Firmware replied %d line(s), last: %q", n, link.LastReply())
	} else {
		log.Printf("Firmware sent no replies")
	}
	return nil
}

// validateEnvironment checks if the environment is suitable for operation
func validateEnvironment(config *Config) error {
	if *dryRun {
		return nil
	}

	ports, err := ListSerialPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		if p == config.Link.Port {
			log.Printf("Environment validation passed: %s present (%d ports)", p, len(ports))
			return nil
		}
	}
	return fmt.Errorf("serial port %s not found among %v", config.Link.Port, ports)
}
