// Command mergetree-demo inserts a batch of rows into a mergetree engine
// and prints its part/row/disk counts before and after Optimize.
package main

import (
	"flag"
	"fmt"
	"log"

	"mergetree"
)

func main() {
	dir := flag.String("dir", "mergetree-data", "data directory")
	flushThreshold := flag.Int("flush-threshold", 1000, "memtable flush threshold")
	maxParts := flag.Int("max-parts", 10, "max parts before a merge is triggered")
	backgroundMerge := flag.Bool("background-merge", false, "enable the background merge worker")
	rowCount := flag.Int("rows", 20000, "number of demo rows to insert")
	flag.Parse()

	cfg := mergetree.DefaultConfig()
	cfg.MemtableFlushThreshold = *flushThreshold
	cfg.MaxParts = *maxParts
	cfg.EnableBackgroundMerge = *backgroundMerge

	engine, err := mergetree.Open(*dir, cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer func() {
		if err := engine.Shutdown(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	for i := 0; i < *rowCount; i++ {
		key := fmt.Sprintf("demo-key-%08d", i)
		value := fmt.Sprintf("demo-value-%d", i)
		engine.Insert(key, value, uint64(i))
	}

	report("before optimize", engine)

	if err := engine.Optimize(); err != nil {
		log.Fatalf("optimize: %v", err)
	}

	report("after optimize", engine)
}

func report(label string, engine *mergetree.Engine) {
	fmt.Printf("%s: parts=%d rows=%d disk_bytes=%d\n",
		label, engine.PartCount(), engine.TotalRows(), engine.DiskUsage())
}
