// Package aztable implements a devicebridge.Device over a pair of Azure
// Tables, each row holding one frame packed across a fixed set of binary
// properties and addressed by a sequence-numbered row key. Bootstrap/
// session table naming and SAS issuance are superseded by the bridge's
// own negotiation channel.
package aztable

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/relaymesh/devicebridge"
	"github.com/relaymesh/devicebridge/devices/azcommon"
)

// MaxTableBinaryPropertySize is the maximum size of a single Edm.Binary
// property.
const MaxTableBinaryPropertySize = 64 * 1024

// MaxTableProperties is how many binary properties one entity spreads a
// frame across.
const MaxTableProperties = 15

// MaxTableEntitySize is the largest frame one entity can carry.
const MaxTableEntitySize = MaxTableProperties * MaxTableBinaryPropertySize

var dataKeys = [MaxTableProperties]string{
	"Data", "Data01", "Data02", "Data03", "Data04", "Data05", "Data06",
	"Data07", "Data08", "Data09", "Data10", "Data11", "Data12", "Data13", "Data14",
}

func buildTableEntity(pk, rk string, data []byte) ([]byte, error) {
	m := map[string]any{"PartitionKey": pk, "RowKey": rk}
	for i := 0; i < MaxTableProperties && len(data) > 0; i++ {
		take := min(len(data), MaxTableBinaryPropertySize)
		m[dataKeys[i]], m[dataKeys[i]+"@odata.type"] = data[:take], "Edm.Binary"
		data = data[take:]
	}
	return json.Marshal(m)
}

func extractTableData(raw []byte) []byte {
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	var res []byte
	for i := range MaxTableProperties {
		v, ok := m[dataKeys[i]]
		if !ok {
			break
		}
		s, ok := v.(string)
		if !ok {
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			break
		}
		res = append(res, chunk...)
	}
	return res
}

func formatRowKey(seq int) string {
	var b [9]byte
	for i := 8; i >= 0; i-- {
		b[i] = byte('0' + (seq % 10))
		seq /= 10
	}
	return string(b[:])
}

// Device is a channel Device backed by two Azure Tables: txTable, which
// OnSendToChannelInternal appends sequence-numbered rows to, and rxTable,
// which OnReceive scans forward from the last row it consumed.
type Device struct {
	mu sync.Mutex

	txClient, rxClient *aztables.Client
	bridge             *devicebridge.DeviceBridge
	txSeq, rxSeq       int

	delay devicebridge.UpdateDelayPolicy
	ctx   context.Context
}

// New resolves an Azure Storage account from u and binds txName/rxName as
// the two tables this Device exchanges frames through, creating either
// table if it does not already exist.
func New(ctx context.Context, u *url.URL, txName, rxName string) (*Device, error) {
	ep := azcommon.NewEndpoint(u)
	if ep.Account == "" || ep.Key == "" {
		return nil, fmt.Errorf("aztable: missing account credentials for %s", u.Redacted())
	}

	cred, err := aztables.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("aztable: %w", err)
	}
	svc, err := aztables.NewServiceClientWithSharedKey(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("aztable: %w", err)
	}

	for _, name := range []string{txName, rxName} {
		if _, err := svc.CreateTable(ctx, name, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict) {
				return nil, fmt.Errorf("aztable: create table %s: %w", name, err)
			}
		}
	}

	return &Device{
		txClient: svc.NewClient(txName),
		rxClient: svc.NewClient(rxName),
		delay:    devicebridge.RandomDelay(200*time.Millisecond, time.Second),
		ctx:      ctx,
	}, nil
}

func (d *Device) OnAttach(b *devicebridge.DeviceBridge) {
	d.mu.Lock()
	d.bridge = b
	d.mu.Unlock()
}

// OnSendToChannelInternal packs frame into one entity's binary properties
// and adds it as the next sequence-numbered row. An entity write is
// atomic, so this either reports the stored length or returns the table
// error. A frame over MaxTableEntitySize is cut to that size and only
// MaxTableEntitySize is reported, so the bridge's chunking loop sends the
// rest in later rows.
func (d *Device) OnSendToChannelInternal(frame []byte) (int, error) {
	if len(frame) > MaxTableEntitySize {
		frame = frame[:MaxTableEntitySize]
	}

	d.mu.Lock()
	seq := d.txSeq
	d.mu.Unlock()

	entity, err := buildTableEntity("data", formatRowKey(seq), frame)
	if err != nil {
		return 0, err
	}
	if _, err := d.txClient.AddEntity(d.ctx, entity, nil); err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.txSeq++
	d.mu.Unlock()
	return len(frame), nil
}

// OnReceive lists up to 10 rows starting at the last row consumed, in
// contiguous sequence order, and delivers each row's payload as its own
// frame — one PassNetworkPacket call per row, since each AddEntity call
// was an independent chunk and concatenating rows would merge distinct
// chunk headers into one garbled frame. A gap in the sequence (a row not
// yet written) stops the scan at the gap.
func (d *Device) OnReceive() error {
	d.mu.Lock()
	seq := d.rxSeq
	bridge := d.bridge
	d.mu.Unlock()

	pager := d.rxClient.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Filter: to.Ptr("PartitionKey eq 'data' and RowKey ge '" + formatRowKey(seq) + "'"),
		Top:    to.Ptr(int32(10)),
	})
	if !pager.More() {
		return nil
	}
	resp, err := pager.NextPage(d.ctx)
	if err != nil {
		return err
	}
	if len(resp.Entities) == 0 {
		return nil
	}

	var frames [][]byte
	processed := 0
	for _, e := range resp.Entities {
		var meta struct{ RowKey string }
		if err := json.Unmarshal(e, &meta); err != nil {
			break
		}
		if meta.RowKey != formatRowKey(seq+processed) {
			break
		}
		frames = append(frames, extractTableData(e))
		processed++
	}
	if processed == 0 {
		return nil
	}

	d.mu.Lock()
	d.rxSeq += processed
	d.mu.Unlock()

	if bridge != nil {
		for _, frame := range frames {
			bridge.PassNetworkPacket(frame)
		}
	}
	return nil
}

func (d *Device) OnCommandFromConnector(cmd []byte) error { return nil }
func (d *Device) OnRunCommand(cmd []byte) ([]byte, error) { return cmd, nil }
func (d *Device) OnWhoAmI() ([]byte, error)               { return []byte("aztable"), nil }

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
