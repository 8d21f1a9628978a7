// Package azureblob implements a devicebridge.Device over a pair of Azure
// Append Blobs: one the local side appends to, one it tails for incoming
// frames. There is no bootstrap container/SAS machinery here — the
// bridge's own negotiation channel plays that role — so what remains is
// the raw append/tail loop.
package azureblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/relaymesh/devicebridge"
	"github.com/relaymesh/devicebridge/devices/azcommon"
)

// MaxBlobBlockSize is the maximum size of a single Append Blob block.
const MaxBlobBlockSize = 4 * 1024 * 1024

// MaxBlocksPerBlob bounds how many blocks an append blob may hold before
// the device must rotate to a fresh blob.
const MaxBlocksPerBlob = 50000

// Device is a channel Device backed by two Append Blobs in one container:
// txBlob, which OnSendToChannelInternal appends to, and rxBlob, which
// OnReceive tails from the last read offset.
type Device struct {
	mu sync.Mutex

	client *container.Client
	ep     *azcommon.Endpoint
	bridge *devicebridge.DeviceBridge

	txBlob, rxBlob string
	blocksWritten  int64
	readOffset     int64
	txSeq, rxSeq   int

	delay devicebridge.UpdateDelayPolicy
	ctx   context.Context
}

// New opens (creating if absent) the container named by u's resource path
// and binds txName/rxName as the two append blobs this Device exchanges
// frames through.
func New(ctx context.Context, u *url.URL, txName, rxName string) (*Device, error) {
	ep := azcommon.NewEndpoint(u)
	if ep.Account == "" || ep.Key == "" {
		return nil, fmt.Errorf("azureblob: missing account credentials for %s", u.Redacted())
	}

	cred, err := azblob.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("azureblob: %w", err)
	}
	svc, err := azblob.NewClientWithSharedKeyCredential(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azureblob: %w", err)
	}

	containerName := ep.ResourceName()
	client := svc.ServiceClient().NewContainerClient(containerName)
	if _, err := svc.ServiceClient().CreateContainer(ctx, containerName, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("azureblob: create container: %w", err)
	}

	for _, name := range []string{txName, rxName} {
		if _, err := client.NewAppendBlobClient(name).Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists) {
			return nil, fmt.Errorf("azureblob: create blob %s: %w", name, err)
		}
	}

	return &Device{
		client: client,
		ep:     ep,
		txBlob: txName,
		rxBlob: rxName,
		delay:  devicebridge.RandomDelay(200*time.Millisecond, time.Second),
		ctx:    ctx,
	}, nil
}

func (d *Device) OnAttach(b *devicebridge.DeviceBridge) {
	d.mu.Lock()
	d.bridge = b
	d.mu.Unlock()
}

// blockPrefixOverhead is the 4-byte length prefix devicebridge.Writer
// puts in front of each block's payload, so a reader downloading several
// concatenated blocks in one range can still recover the original
// per-block boundaries.
const blockPrefixOverhead = 4

// OnSendToChannelInternal appends frame as one length-prefixed Append Blob
// block. A block is atomic in Azure Storage, so a partial append never
// happens; the call either reports the whole frame accepted or returns
// the append error. The length prefix lets OnReceive split a multi-block
// download back into the individual frames that produced each block —
// without it, two blocks appended between polls would be indistinguishable
// from one larger frame.
func (d *Device) OnSendToChannelInternal(frame []byte) (int, error) {
	chunk := frame
	if len(chunk) > MaxBlobBlockSize-blockPrefixOverhead {
		chunk = chunk[:MaxBlobBlockSize-blockPrefixOverhead]
	}

	w := devicebridge.NewWriter()
	w.WriteBytes(chunk)
	block := w.Bytes()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.blocksWritten >= MaxBlocksPerBlob-10 {
		if err := d.rotateTX(); err != nil {
			return 0, err
		}
	}

	_, err := d.client.NewAppendBlobClient(d.txBlob).AppendBlock(d.ctx, streaming.NopCloser(bytes.NewReader(block)), nil)
	if err != nil {
		return 0, err
	}
	d.blocksWritten++
	return len(chunk), nil
}

// OnReceive downloads whatever has been appended to rxBlob since the last
// read offset and delivers each length-prefixed block as its own frame —
// one PassNetworkPacket call per block, so that multiple blocks appended
// between polls never merge into one oversized chunk. readOffset only
// advances past fully-decoded blocks; a trailing partial block (there
// shouldn't be one, since AppendBlock commits are atomic, but the split
// is defensive) waits for the next poll.
func (d *Device) OnReceive() error {
	d.mu.Lock()
	client := d.client.NewBlobClient(d.rxBlob)
	offset := d.readOffset
	bridge := d.bridge
	d.mu.Unlock()

	resp, err := client.DownloadStream(d.ctx, &blob.DownloadStreamOptions{Range: blob.HTTPRange{Offset: offset}})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	contentLen := int64(0)
	if resp.ContentLength != nil {
		contentLen = *resp.ContentLength
	}
	if contentLen == 0 {
		return nil
	}

	buf := bytes.NewBuffer(nil)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}

	raw := buf.Bytes()
	r := devicebridge.NewReader(raw)
	var frames [][]byte
	consumed := 0
	for {
		block, err := r.ReadBytes()
		if err != nil {
			break
		}
		frames = append(frames, block)
		consumed = len(raw) - len(r.Remaining())
	}

	d.mu.Lock()
	d.readOffset += int64(consumed)
	d.mu.Unlock()

	if bridge != nil {
		for _, frame := range frames {
			bridge.PassNetworkPacket(frame)
		}
	}
	return nil
}

func (d *Device) rotateTX() error {
	d.txSeq++
	d.txBlob = fmt.Sprintf("%s-%d", d.txBlob, d.txSeq)
	d.blocksWritten = 0
	_, err := d.client.NewAppendBlobClient(d.txBlob).Create(d.ctx, nil)
	return err
}

func (d *Device) OnCommandFromConnector(cmd []byte) error { return nil }
func (d *Device) OnRunCommand(cmd []byte) ([]byte, error) { return cmd, nil }
func (d *Device) OnWhoAmI() ([]byte, error)               { return []byte("azureblob"), nil }

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
