// analysis-worker is a stand-in for the real traffic-analysis engine.
// It speaks line protocol v1 on stdout:
//
//	PROGRESS:<pct>% - <message>
//	PARTIAL_RESULTS:<json>
//
// and exits 0 on success. Deployments without the real engine point the
// report service at this binary to exercise the full pipeline.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"
)

func main() {
	reportID := flag.String("report-id", "", "Report record to generate (required)")
	stepDelay := flag.Duration("step-delay", 500*time.Millisecond, "Delay between progress steps")
	fail := flag.Bool("fail", false, "Exit non-zero after partial progress")
	flag.Parse()

	if *reportID == "" {
		log.Println("missing required --report-id")
		os.Exit(2)
	}

	steps := []struct {
		percent int
		message string
	}{
		{10, "Loading traffic captures"},
		{35, "Reconstructing network flows"},
		{60, "Matching threat signatures"},
		{85, "Correlating alerts"},
	}

	for i, step := range steps {
		time.Sleep(*stepDelay)
		fmt.Printf("PROGRESS:%d%% - %s\n", step.percent, step.message)

		if i == 1 {
			emitPartial(map[string]interface{}{
				"flows":      sampleFlows(),
				"flow_count": len(sampleFlows()),
			})
		}

		if *fail && i == 2 {
			fmt.Fprintln(os.Stderr, "signature database corrupt")
			os.Exit(1)
		}
	}

	emitPartial(map[string]interface{}{
		"threats":      sampleThreats(),
		"threat_count": len(sampleThreats()),
	})

	time.Sleep(*stepDelay)
	fmt.Printf("PROGRESS:100%% - Finalizing report\n")
}

func emitPartial(fragment map[string]interface{}) {
	data, err := json.Marshal(fragment)
	if err != nil {
		log.Printf("failed to marshal partial results: %v", err)
		return
	}
	fmt.Printf("PARTIAL_RESULTS:%s\n", data)
}

func sampleFlows() []map[string]interface{} {
	return []map[string]interface{}{
		{"src": "10.0.0.4", "dst": "172.16.8.12", "protocol": "TLS", "bytes": 48123},
		{"src": "10.0.0.9", "dst": "8.8.8.8", "protocol": "DNS", "bytes": 312},
	}
}

func sampleThreats() []map[string]interface{} {
	return []map[string]interface{}{
		{"signature": "ET SCAN Nmap TCP", "severity": "medium", "src": "10.0.0.4"},
	}
}
