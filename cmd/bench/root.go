package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/rocket/cmd/serve"
	"github.com/ValentinKolb/rocket/cmd/util"
	"github.com/ValentinKolb/rocket/rpc/client"
	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Performance testing tool for rocket servers",
		Long:    `Runs the demo methods of a rocket server (started with rocket serve) in parallel and prints the achieved latency and throughput.`,
		PreRunE: processConfig,
		RunE:    run,
	}
	benchThreads     = 10
	benchLargeSizeKB = 100
	benchSkip        = make([]string, 0)
)

// benchmark is a single named workload
type benchmark struct {
	name string
	op   func(ctx context.Context, c *client.Client, counter int) error
}

func init() {
	util.SetupClientFlags(BenchCmd)

	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. ping,echo-large)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines per cpu issuing calls"))
	key = "large-value-size"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How large the payload of the echo-large test should be (in KB)"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging(); err != nil {
		return err
	}

	benchThreads = viper.GetInt("threads")
	benchLargeSizeKB = viper.GetInt("large-value-size")
	benchSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	config := util.GetClientConfig()

	fmt.Println("Performance testing tool for rocket servers")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", benchThreads)
	fmt.Println()

	connector, err := util.GetClientConnector()
	if err != nil {
		return err
	}

	c := client.NewClient(config, connector, util.GetSerializer())
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = c.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	fmt.Println("starting tests...")

	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks(strings.Repeat("x", benchLargeSizeKB*1024)) {
		if shouldSkip(bm.name) {
			results[bm.name] = testing.BenchmarkResult{}
			printResult(bm.name, results[bm.name])
			continue
		}
		result := runBenchmark(ctx, c, bm)
		results[bm.name] = result
		printResult(bm.name, result)
	}

	stats := c.Stats().Snapshot()
	fmt.Printf("\nframes sent: %d, frames received: %d, bytes sent: %d, bytes received: %d\n",
		stats.FramesSent, stats.FramesReceived, stats.BytesSent, stats.BytesReceived)

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, &config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// benchmarks returns the workloads in the order they are run
func benchmarks(largeValue string) []benchmark {
	return []benchmark{
		{name: "ping", op: func(ctx context.Context, c *client.Client, _ int) error {
			_, err := c.Invoke(ctx, serve.MethodPing, nil)
			return err
		}},
		{name: "compare", op: func(ctx context.Context, c *client.Client, counter int) error {
			_, err := client.Call[int](ctx, c, serve.MethodCompare, counter-50)
			return err
		}},
		{name: "echo", op: func(ctx context.Context, c *client.Client, _ int) error {
			_, err := client.Call[string](ctx, c, serve.MethodEcho, "test")
			return err
		}},
		{name: "echo-large", op: func(ctx context.Context, c *client.Client, _ int) error {
			_, err := client.Call[string](ctx, c, serve.MethodEcho, largeValue)
			return err
		}},
		{name: "mixed", op: func(ctx context.Context, c *client.Client, counter int) error {
			var err error
			switch counter % 3 {
			case 0:
				_, err = c.Invoke(ctx, serve.MethodPing, nil)
			case 1:
				_, err = client.Call[int](ctx, c, serve.MethodCompare, counter)
			case 2:
				_, err = client.Call[string](ctx, c, serve.MethodEcho, "test")
			}
			return err
		}},
	}
}

// runBenchmark runs a workload in parallel on the shared client connection
func runBenchmark(ctx context.Context, c *client.Client, bm benchmark) testing.BenchmarkResult {
	return testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(benchThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if err := bm.op(ctx, c, counter); err != nil {
					util.Logger.Warningf("(%s) - call failed: %v", bm.name, err)
				}
				counter++
			}
		})
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range benchSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Address", "Transport", "ReceiveTimeout", "Threads", "LargeValueSizeKB",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			config.Address(),
			viper.GetString("transport"),
			config.ReceiveTimeout.String(),
			strconv.Itoa(benchThreads),
			strconv.Itoa(benchLargeSizeKB),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
