package trx

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dDoc servers",
		Long:    "Runs transactions against a temporary shard. The shard is dropped afterward.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfShard           = ops.ShardID("__perf")
	perfLargeDocSizeKB  = 100
	perfNumThreads      = 10
	perfDocsPerTrx      = 10
	perfSkip            = make([]string, 0)
	perfKeyCounter      atomic.Uint64
	perfReplicationOpts = rsm.ReplicationOptions{}
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. insert,update)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-doc-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the document for the insert-large test should be (in KB)"))
	key = "docs-per-trx"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("How many documents the insert-batch test writes per transaction"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeDocSizeKB = viper.GetInt("large-doc-size")
	perfDocsPerTrx = max(1, viper.GetInt("docs-per-trx"))
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	perfReplicationOpts = rsm.ReplicationOptions{
		WaitForCommit: viper.GetBool("wait-for-commit"),
		WaitForSync:   viper.GetBool("wait-for-sync"),
	}

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for dDoc servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	// Prepare the shard
	ctx, cancel := util.Context()
	defer cancel()
	if err := rpcClient.CreateShard(ctx, perfShard, "perf", nil); err != nil {
		return fmt.Errorf("failed to create perf shard: %w", err)
	}
	defer func() {
		ctx, cancel := util.Context()
		defer cancel()
		if err := rpcClient.DropShard(ctx, perfShard, "perf"); err != nil {
			log.Printf("failed to drop perf shard: %v\n", err)
		}
	}()

	fmt.Println("staring tests...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	smallDoc := func() string {
		return fmt.Sprintf(`{"_key":"k%d","v":"test"}`, perfKeyCounter.Add(1))
	}
	padding := strings.Repeat("x", perfLargeDocSizeKB*1024)
	largeDoc := func() string {
		return fmt.Sprintf(`{"_key":"k%d","v":%q}`, perfKeyCounter.Add(1), padding)
	}

	// insert a single document per transaction
	results["insert"] = benchmark("insert", func(ctx context.Context) error {
		return runTransaction(ctx, true, "["+smallDoc()+"]")
	})

	// insert a large document per transaction
	results["insert-large"] = benchmark("insert-large", func(ctx context.Context) error {
		return runTransaction(ctx, true, "["+largeDoc()+"]")
	})

	// insert several documents per transaction
	results["insert-batch"] = benchmark("insert-batch", func(ctx context.Context) error {
		docs := make([]string, perfDocsPerTrx)
		for i := range docs {
			docs[i] = smallDoc()
		}
		return runTransaction(ctx, true, "["+strings.Join(docs, ",")+"]")
	})

	// insert and abort, nothing is written
	results["abort"] = benchmark("abort", func(ctx context.Context) error {
		return runTransaction(ctx, false, "["+smallDoc()+"]")
	})

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// benchmark runs fn in parallel and prints the result
func benchmark(test string, fn func(ctx context.Context) error) testing.BenchmarkResult {
	result := testing.Benchmark(func(b *testing.B) {
		if shouldSkip(test) {
			return
		}

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				ctx, cancel := util.Context()
				if err := fn(ctx); err != nil {
					log.Printf("(%s) - error: %v\n", test, err)
				}
				cancel()
			}
		})
	})
	printResult(test, result)
	return result
}

// runTransaction begins a transaction, inserts the documents and commits or aborts it
func runTransaction(ctx context.Context, commit bool, documents string) error {
	tid, err := rpcClient.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := rpcClient.Execute(ctx, ops.Insert(tid, perfShard, []byte(documents)), perfReplicationOpts); err != nil {
		return err
	}
	if !commit {
		_, err = rpcClient.Execute(ctx, ops.Abort(tid), perfReplicationOpts)
		return err
	}
	opts := perfReplicationOpts
	opts.WaitForCommit = true
	_, err = rpcClient.Execute(ctx, ops.Commit(tid), opts)
	return err
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
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

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f trx/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
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

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "TrxPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount",
		"GroupID", "Serializer", "Transport",
		"Threads", "LargeDocSizeKB", "DocsPerTrx",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
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
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.FormatUint(util.GetGroupID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeDocSizeKB),
			strconv.Itoa(perfDocsPerTrx),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
