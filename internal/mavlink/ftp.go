package mavlink

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DroneLeaf/petal-app-manager/internal/telemetry"
	"github.com/DroneLeaf/petal-app-manager/pkg/mavlinkwire"
)

// ftp opcodes, per the MAVLink FTP microprotocol carried in FILE_TRANSFER_PROTOCOL payloads.
const (
	ftpOpNone        = 0
	ftpOpTerminate   = 1
	ftpOpOpenFileRO  = 4
	ftpOpReadFile    = 5
	ftpOpAck         = 128
	ftpOpNak         = 129
)

const ftpMaxDataSize = 239 // 251-byte payload minus the 12-byte header

// ftpHeader is the fixed-size FTP microprotocol header preceding the data
// payload in each FILE_TRANSFER_PROTOCOL message.
type ftpHeader struct {
	seqNumber  uint16
	session    uint8
	opcode     uint8
	size       uint8
	reqOpcode  uint8
	burstComplete uint8
	padding    uint8
	offset     uint32
}

func encodeFTPPayload(h ftpHeader, data []byte) [251]uint8 {
	var out [251]uint8
	out[0] = uint8(h.seqNumber)
	out[1] = uint8(h.seqNumber >> 8)
	out[2] = h.session
	out[3] = h.opcode
	out[4] = h.size
	out[5] = h.reqOpcode
	out[6] = h.burstComplete
	out[7] = h.padding
	out[8] = uint8(h.offset)
	out[9] = uint8(h.offset >> 8)
	out[10] = uint8(h.offset >> 16)
	out[11] = uint8(h.offset >> 24)
	copy(out[12:], data)
	return out
}

func decodeFTPPayload(raw [251]uint8) (ftpHeader, []byte) {
	h := ftpHeader{
		seqNumber: uint16(raw[0]) | uint16(raw[1])<<8,
		session:   raw[2],
		opcode:    raw[3],
		size:      raw[4],
		reqOpcode: raw[5],
		burstComplete: raw[6],
		padding:   raw[7],
		offset:    uint32(raw[8]) | uint32(raw[9])<<8 | uint32(raw[10])<<16 | uint32(raw[11])<<24,
	}
	data := raw[12 : 12+int(h.size)]
	return h, data
}

// DownloadFileFTP downloads remotePath from the flight controller to
// localPath over the MAVLink FTP microprotocol, reading sequential
// ftpMaxDataSize chunks. If cancel fires or ctx is done mid-transfer, a
// terminate opcode is sent to the autopilot and the partial local file is
// removed — a half-written file is worse than no file. progressCB, if
// non-nil, is invoked on the proxy's worker pool after each chunk is
// written, with the bytes transferred so far and the total file size (0
// if the remote didn't report one).
func (p *Proxy) DownloadFileFTP(ctx context.Context, targetSys, targetComp uint8, remotePath, localPath string, cancel <-chan struct{}, progressCB func(transferred, total uint32)) (err error) {
	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "mavlink.ftp_download",
			trace.WithAttributes(attribute.String("pam.remote_path", remotePath)))
		defer span.End()
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating local file %s: %w", localPath, err)
	}
	cleanUp := true
	defer func() {
		f.Close()
		if cleanUp {
			os.Remove(localPath)
		}
	}()

	seq := uint16(0)
	nextSeq := func() uint16 {
		seq++
		return seq
	}

	var session uint8
	incoming := make(chan ftpHeader, 1)
	incomingData := make(chan []byte, 1)

	handlerID := p.handlers.Register(ftpMessageID(), func(fr mavlinkwire.Frame) {
		msg, ok := fr.Message.(*common.MessageFileTransferProtocol)
		if !ok {
			return
		}
		h, data := decodeFTPPayload(msg.Payload)
		select {
		case incoming <- h:
			incomingData <- data
		default:
		}
	})
	defer p.handlers.Unregister(handlerID)

	send := func(h ftpHeader, data []byte) error {
		payload := encodeFTPPayload(h, data)
		return p.Send(ctx, &common.MessageFileTransferProtocol{
			TargetSystem:    targetSys,
			TargetComponent: targetComp,
			Payload:         payload,
		})
	}

	awaitReply := func(timeout time.Duration) (ftpHeader, []byte, error) {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case h := <-incoming:
			data := <-incomingData
			return h, data, nil
		case <-cancel:
			return ftpHeader{}, nil, context.Canceled
		case <-ctx.Done():
			return ftpHeader{}, nil, ctx.Err()
		case <-t.C:
			return ftpHeader{}, nil, fmt.Errorf("ftp: timed out awaiting reply")
		}
	}

	terminate := func() {
		_ = send(ftpHeader{seqNumber: nextSeq(), session: session, opcode: ftpOpTerminate}, nil)
	}

	if err := send(ftpHeader{seqNumber: nextSeq(), opcode: ftpOpOpenFileRO}, []byte(remotePath)); err != nil {
		return fmt.Errorf("sending open request: %w", err)
	}
	h, data, err := awaitReply(5 * time.Second)
	if err != nil {
		return fmt.Errorf("opening %s: %w", remotePath, err)
	}
	if h.opcode != ftpOpAck || h.reqOpcode != ftpOpOpenFileRO {
		return fmt.Errorf("ftp open rejected (opcode %d)", h.opcode)
	}
	session = h.session
	var fileSize uint32
	if len(data) >= 4 {
		fileSize = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	}

	var offset uint32
	var written sync.WaitGroup
	for fileSize == 0 || offset < fileSize {
		select {
		case <-cancel:
			terminate()
			return context.Canceled
		case <-ctx.Done():
			terminate()
			return ctx.Err()
		default:
		}

		reqHeader := ftpHeader{seqNumber: nextSeq(), session: session, opcode: ftpOpReadFile, offset: offset, size: ftpMaxDataSize}
		if err := send(reqHeader, nil); err != nil {
			terminate()
			return fmt.Errorf("requesting chunk at offset %d: %w", offset, err)
		}
		h, chunk, err := awaitReply(5 * time.Second)
		if err != nil {
			terminate()
			return fmt.Errorf("reading chunk at offset %d: %w", offset, err)
		}
		if h.opcode == ftpOpNak {
			break // EOF or remote error; treat as end of stream
		}
		if h.opcode != ftpOpAck {
			terminate()
			return fmt.Errorf("unexpected ftp opcode %d at offset %d", h.opcode, offset)
		}

		written.Add(1)
		off, buf := offset, append([]byte(nil), chunk...)
		p.pool.Submit(func() {
			defer written.Done()
			f.WriteAt(buf, int64(off))
			if telemetry.FTPBytesTransferred != nil {
				telemetry.FTPBytesTransferred.Add(ctx, int64(len(buf)))
			}
			if progressCB != nil {
				progressCB(off+uint32(len(buf)), fileSize)
			}
		})

		if len(chunk) == 0 {
			break
		}
		offset += uint32(len(chunk))
	}
	written.Wait()

	_ = send(ftpHeader{seqNumber: nextSeq(), session: session, opcode: ftpOpTerminate}, nil)
	cleanUp = false
	return nil
}

func ftpMessageID() string {
	return strconv.FormatUint(uint64(common.MAVLINK_MSG_ID_FILE_TRANSFER_PROTOCOL), 10)
}
