package main

import "txn-anomaly-monitor/internal/cli"

func main() {
	cli.Execute()
}
