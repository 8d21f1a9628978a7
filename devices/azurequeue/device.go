// Package azurequeue implements a devicebridge.Device over a pair of Azure
// Storage Queues: one the local side enqueues frames into, one it drains.
// Bootstrap/session queue naming and SAS issuance are superseded by the
// bridge's own negotiation channel; what remains is the base64
// enqueue/dequeue loop.
package azurequeue

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"

	"github.com/relaymesh/devicebridge"
	"github.com/relaymesh/devicebridge/devices/azcommon"
)

// MaxQueueTextMessageSize is the maximum raw data size a single queue
// message carries before base64 inflation.
const MaxQueueTextMessageSize = 64 * 1024

// Device is a channel Device backed by two Azure Storage Queues: txQueue,
// which OnSendToChannelInternal enqueues frames into (one message per
// call, capped at MaxQueueTextMessageSize), and rxQueue, which OnReceive
// drains and deletes from.
type Device struct {
	mu sync.Mutex

	txQueue, rxQueue *azqueue.QueueClient
	bridge           *devicebridge.DeviceBridge
	delay            devicebridge.UpdateDelayPolicy
	ctx              context.Context
}

// New resolves an Azure Storage account from u and binds txName/rxName as
// the two queues this Device exchanges frames through, creating either
// queue if it does not already exist.
func New(ctx context.Context, u *url.URL, txName, rxName string) (*Device, error) {
	ep := azcommon.NewEndpoint(u)
	if ep.Account == "" || ep.Key == "" {
		return nil, fmt.Errorf("azurequeue: missing account credentials for %s", u.Redacted())
	}

	cred, err := azqueue.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("azurequeue: %w", err)
	}
	svc, err := azqueue.NewServiceClientWithSharedKeyCredential(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azurequeue: %w", err)
	}

	for _, name := range []string{txName, rxName} {
		if _, err := svc.CreateQueue(ctx, name, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
			return nil, fmt.Errorf("azurequeue: create queue %s: %w", name, err)
		}
	}

	return &Device{
		txQueue: svc.NewQueueClient(txName),
		rxQueue: svc.NewQueueClient(rxName),
		delay:   devicebridge.RandomDelay(200*time.Millisecond, time.Second),
		ctx:     ctx,
	}, nil
}

func (d *Device) OnAttach(b *devicebridge.DeviceBridge) {
	d.mu.Lock()
	d.bridge = b
	d.mu.Unlock()
}

// OnSendToChannelInternal enqueues up to MaxQueueTextMessageSize bytes of
// frame as one base64-encoded message. A queue message is atomic, so the
// call either reports the accepted prefix or returns the enqueue error;
// capping at MaxQueueTextMessageSize rather than accepting frame whole is
// what makes the bridge's chunking loop actually engage for oversized
// packets on this transport.
func (d *Device) OnSendToChannelInternal(frame []byte) (int, error) {
	chunk := frame
	if len(chunk) > MaxQueueTextMessageSize {
		chunk = chunk[:MaxQueueTextMessageSize]
	}
	if _, err := d.txQueue.EnqueueMessage(d.ctx, base64.StdEncoding.EncodeToString(chunk), nil); err != nil {
		return 0, err
	}
	return len(chunk), nil
}

// OnReceive dequeues and deletes up to 32 pending messages and delivers
// each decoded payload as its own frame — one PassNetworkPacket call per
// message, since each enqueue was an independent chunk and concatenating
// them would merge distinct chunk headers into one garbled frame.
func (d *Device) OnReceive() error {
	d.mu.Lock()
	bridge := d.bridge
	d.mu.Unlock()

	resp, err := d.rxQueue.DequeueMessages(d.ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: to.Ptr[int32](32)})
	if err != nil {
		return err
	}
	if len(resp.Messages) == 0 {
		return nil
	}

	for _, msg := range resp.Messages {
		if msg.MessageText == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(*msg.MessageText)
		if err != nil {
			continue
		}
		_, _ = d.rxQueue.DeleteMessage(d.ctx, *msg.MessageID, *msg.PopReceipt, nil)
		if bridge != nil && len(data) > 0 {
			bridge.PassNetworkPacket(data)
		}
	}
	return nil
}

func (d *Device) OnCommandFromConnector(cmd []byte) error { return nil }
func (d *Device) OnRunCommand(cmd []byte) ([]byte, error) { return cmd, nil }
func (d *Device) OnWhoAmI() ([]byte, error)               { return []byte("azurequeue"), nil }

func (d *Device) UpdateDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delay.Next()
}

func (d *Device) SetUpdateDelay(min, max time.Duration) {
	d.mu.Lock()
	d.delay = devicebridge.RandomDelay(min, max)
	d.mu.Unlock()
}

func (d *Device) SetFixedUpdateDelay(dur time.Duration) {
	d.mu.Lock()
	d.delay = devicebridge.FixedDelay(dur)
	d.mu.Unlock()
}

func (d *Device) IsChannel() bool { return true }
