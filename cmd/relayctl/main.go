// Command relayctl drives a single devicebridge.DeviceBridge from the
// command line against one of the devices/* transports, for manual
// testing against a real or emulated Azure Storage account. It wires a
// live bridge and exercises its command plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/relaymesh/devicebridge"
	"github.com/relaymesh/devicebridge/devices/aztable"
	"github.com/relaymesh/devicebridge/devices/azureblob"
	"github.com/relaymesh/devicebridge/devices/azurequeue"
)

// stdoutRelay is the minimal devicebridge.Relay a standalone command
// needs: print what arrives, log what the bridge logs, and record the
// first detach request.
type stdoutRelay struct {
	detached chan devicebridge.DeviceId
}

func newStdoutRelay() *stdoutRelay {
	return &stdoutRelay{detached: make(chan devicebridge.DeviceId, 1)}
}

func (r *stdoutRelay) OnPacketReceived(packet []byte, bridge *devicebridge.DeviceBridge) {
	fmt.Printf("[packet] %d bytes: %q\n", len(packet), packet)
}

func (r *stdoutRelay) PostCommandToConnector(cmd []byte, bridge *devicebridge.DeviceBridge) {
	fmt.Printf("[command] %q\n", cmd)
}

func (r *stdoutRelay) DetachDevice(did devicebridge.DeviceId) {
	select {
	case r.detached <- did:
	default:
	}
}

func (r *stdoutRelay) Log(message string, did devicebridge.DeviceId) {
	log.Printf("[%s] %s", did, message)
}

func main() {
	kindFlag := flag.String("kind", "azureblob", "Device kind (azureblob, azurequeue, aztable)")
	urlFlag := flag.String("url", "http://localhost:10000/devstoreaccount1", "The service URL")
	accountFlag := flag.String("account", "devstoreaccount1", "The Azure Storage account name")
	keyFlag := flag.String("key", "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==", "The Azure Storage account key")
	txFlag := flag.String("tx", "relay-send", "Outgoing resource name (container/queue/table)")
	rxFlag := flag.String("rx", "relay-recv", "Incoming resource name (container/queue/table)")
	payloadFlag := flag.String("send", "", "If set, send this payload once")
	listenFlag := flag.Duration("listen", 0, "If set, run the receive worker for this long before exiting")

	flag.Usage = printUsage
	flag.Parse()

	parsedURL, err := url.Parse(*urlFlag)
	if err != nil {
		log.Fatalf("invalid URL: %v", err)
	}
	if *accountFlag != "" {
		os.Setenv("AZURE_STORAGE_ACCOUNT", *accountFlag)
	}
	if *keyFlag != "" {
		os.Setenv("AZURE_STORAGE_ACCOUNT_KEY", *keyFlag)
	}

	ctx := context.Background()
	device, err := buildDevice(ctx, strings.ToLower(*kindFlag), parsedURL, *txFlag, *rxFlag)
	if err != nil {
		log.Fatalf("failed to build device: %v", err)
	}

	relay := newStdoutRelay()
	bridge, err := devicebridge.NewDeviceBridge(devicebridge.NewDeviceId(), device, relay, false, false, nil)
	if err != nil {
		log.Fatalf("failed to construct bridge: %v", err)
	}
	bridge.OnAttach()

	who, err := bridge.WhoAreYou()
	if err != nil {
		log.Fatalf("who-are-you failed: %v", err)
	}
	fmt.Printf("connected as %q\n", who)

	if *payloadFlag != "" {
		if err := bridge.Send([]byte(*payloadFlag)); err != nil {
			log.Fatalf("send failed: %v", err)
		}
		fmt.Println("sent")
	}

	if *listenFlag > 0 {
		bridge.StartUpdatingInSeparateThread()
		time.Sleep(*listenFlag)
		bridge.Detach()
	}
}

func buildDevice(ctx context.Context, kind string, u *url.URL, tx, rx string) (devicebridge.Device, error) {
	switch kind {
	case "azureblob":
		return azureblob.New(ctx, u, tx, rx)
	case "azurequeue":
		return azurequeue.New(ctx, u, tx, rx)
	case "aztable":
		return aztable.New(ctx, u, tx, rx)
	default:
		return nil, fmt.Errorf("unknown device kind %q", kind)
	}
}

func printUsage() {
	fmt.Println("relayctl - manual driver for a devicebridge.DeviceBridge")
	fmt.Println("Usage:")
	fmt.Println("  relayctl -kind <azureblob|azurequeue|aztable> -url <url> -account <account> -key <key> [-tx <name>] [-rx <name>] [-send <payload>] [-listen <duration>]")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  relayctl -kind azureblob -url http://localhost:10000/devstoreaccount1 -send hello -listen 5s")
}
