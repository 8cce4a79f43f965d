package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/mlsorensen/godesk"
	_ "github.com/mlsorensen/godesk/pkg/desks/all"
)

func main() {
	scanDuration := flag.Duration("duration", 15*time.Second, "How long to scan")
	prefix := flag.String("prefix", godesk.DefaultNamePrefix, "Device name prefix to look for")
	flag.Parse()

	log.Println("--- GoDesk Scanner ---")
	log.Printf("Starting BLE scan for %s...", *scanDuration)
	log.Println("Wake your desk controller now, e.g. by pressing a button on the handset.")

	devices, err := godesk.Scan(*scanDuration, *prefix)
	if err != nil {
		log.Fatalf("Fatal: Scan failed: %v", err)
	}

	if len(devices) == 0 {
		log.Println("\nScan complete. No supported devices found.")
		log.Printf("Tip: Make sure the desk is powered and not connected to another app, and that its name starts with %q.", *prefix)
		return
	}

	fmt.Println("\n--- Found Desks ---")
	for i, device := range devices {
		fmt.Printf("%d: Name: %s\n", i+1, device.Name)
		fmt.Printf("   ID:   %s\n", device.ID)
		fmt.Printf("   RSSI: %d\n\n", device.RSSI)
	}
	fmt.Println("-------------------")
	fmt.Println("Put the ID in your config file as 'address' to always use that desk.")
}
