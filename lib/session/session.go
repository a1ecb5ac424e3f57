// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the TCP session layer: a fixed-size
// worker pool accepting connections and per-connection state machines
// for upload, download, and the peer-to-peer share operations.
//
// Every request begins with a (userID, indicator) header; the
// indicator selects the handler, which then runs the connection to
// completion. Within one session processing is strictly sequential on
// the socket; across sessions it is concurrent.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/shardkeep/shardkeep/lib/dedup"
	"github.com/shardkeep/shardkeep/lib/fingerprint"
	"github.com/shardkeep/shardkeep/lib/kerr"
	"github.com/shardkeep/shardkeep/lib/wire"
)

// Default buffer sizes for the per-session buffers.
const (
	DefaultMetaBufferLen      = 2 << 20
	DefaultDataBufferLen      = 4 << 20
	DefaultShareFileBufferLen = 4 << 20
)

// Config holds the parameters for creating a session server.
type Config struct {
	// Listener accepts client connections. Required.
	Listener net.Listener

	// Core handles the dedup pipeline. Required.
	Core *dedup.Core

	// Workers is the worker pool size. Defaults to the hardware
	// concurrency.
	Workers int

	// MetaBufferLen, DataBufferLen, and ShareFileBufferLen size the
	// per-session buffers. Zero selects the defaults.
	MetaBufferLen      int
	DataBufferLen      int
	ShareFileBufferLen int

	Logger *slog.Logger
}

// Server runs the worker pool over the listener.
type Server struct {
	listener net.Listener
	core     *dedup.Core
	workers  int
	logger   *slog.Logger

	metaBufferLen      int
	dataBufferLen      int
	shareFileBufferLen int
}

// New creates a session server.
func New(cfg Config) (*Server, error) {
	if cfg.Listener == nil {
		return nil, kerr.New(kerr.Storage, "session: Listener is required")
	}
	if cfg.Core == nil {
		return nil, kerr.New(kerr.Storage, "session: Core is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	server := &Server{
		listener:           cfg.Listener,
		core:               cfg.Core,
		workers:            workers,
		logger:             logger,
		metaBufferLen:      cfg.MetaBufferLen,
		dataBufferLen:      cfg.DataBufferLen,
		shareFileBufferLen: cfg.ShareFileBufferLen,
	}
	if server.metaBufferLen <= 0 {
		server.metaBufferLen = DefaultMetaBufferLen
	}
	if server.dataBufferLen <= 0 {
		server.dataBufferLen = DefaultDataBufferLen
	}
	if server.shareFileBufferLen <= 0 {
		server.shareFileBufferLen = DefaultShareFileBufferLen
	}
	return server, nil
}

// Serve runs the worker pool until ctx is cancelled. Each worker
// accepts connections in a loop and handles every accepted session
// synchronously to completion.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("session server running",
		"address", s.listener.Addr().String(), "workers", s.workers)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptLoop(ctx)
		}()
	}

	<-ctx.Done()
	s.listener.Close()
	wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.handleConn(conn)
	}
}

// handleConn runs one session: read the (userID, indicator) header,
// dispatch, close. A session error is fatal to the session only.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	userID, err := readInt32(conn)
	if err != nil {
		if err != io.EOF {
			s.logger.Warn("session header read failed", "error", err)
		}
		return
	}
	indicator, err := readInt32(conn)
	if err != nil {
		s.logger.Warn("session indicator read failed", "error", err)
		return
	}

	switch wire.Indicator(indicator) {
	case wire.Meta:
		err = s.handleUpload(conn, userID)
	case wire.Download:
		err = s.handleDownload(conn, userID)
	case wire.IntraUserShareIdxUpdate:
		err = s.handlePeerIntra(conn, userID)
	case wire.InterUserShareIdxUpdate:
		err = s.handlePeerInter(conn, userID)
	case wire.RestoreShare:
		err = s.handlePeerRestore(conn, userID)
	default:
		err = kerr.New(kerr.Protocol, "unexpected indicator",
			kerr.F("indicator", indicator))
	}

	if err != nil && err != io.EOF {
		s.logger.Warn("session closed with error",
			"userID", userID, "indicator", indicator, "error", err)
		return
	}
	s.logger.Debug("session closed", "userID", userID, "indicator", indicator)
}

// handleUpload runs the upload state machine: for each file share
// fragment, receive the metadata, run the first stage, respond with
// the duplicate-status array, receive the payload of the non-duplicate
// shares, and run the second stage. The loop continues while the
// client opens further fragments with a (userID, META) header and ends
// on a clean close.
func (s *Server) handleUpload(conn net.Conn, userID int32) error {
	metaBuffer := make([]byte, s.metaBufferLen)
	dataBuffer := make([]byte, s.dataBufferLen)

	for {
		// META payload: numOfTotalShares ‖ shareMetaBytes; the total
		// share count is included in the declared packet size.
		packetSize, err := readUint32(conn)
		if err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading meta packet size")
		}
		if packetSize < 4 || int(packetSize-4) > len(metaBuffer) {
			return kerr.New(kerr.Protocol, "meta packet size out of range",
				kerr.F("packetSize", packetSize))
		}
		numOfTotalShares, err := readUint32(conn)
		if err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading total share count")
		}
		metaSize := int(packetSize) - 4
		meta := metaBuffer[:metaSize]
		if _, err := io.ReadFull(conn, meta); err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading share meta")
		}

		head, _, _, err := wire.ParseFileShareMeta(meta)
		if err != nil {
			return err
		}
		numOfComingShares := int(head.NumOfComingSecrets)

		dupStatus := make([]bool, numOfComingShares)
		if err := s.core.FirstStageDedup(userID, meta, dupStatus); err != nil {
			return err
		}
		if err := writeStat(conn, dupStatus); err != nil {
			return err
		}

		// DATA phase: (userID, DATA, dataSize, payload).
		dataUserID, err := readInt32(conn)
		if err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading data-phase user id")
		}
		if dataUserID != userID {
			return kerr.New(kerr.Protocol, "user id changed mid-session",
				kerr.F("userID", userID), kerr.F("got", dataUserID))
		}
		indicator, err := readInt32(conn)
		if err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading data-phase indicator")
		}
		if wire.Indicator(indicator) != wire.Data {
			return kerr.New(kerr.Protocol, "expected DATA indicator",
				kerr.F("indicator", indicator))
		}
		dataSize, err := readUint32(conn)
		if err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading data size")
		}
		if int(dataSize) > len(dataBuffer) {
			return kerr.New(kerr.Protocol, "data packet exceeds buffer",
				kerr.F("dataSize", dataSize))
		}
		data := dataBuffer[:dataSize]
		if _, err := io.ReadFull(conn, data); err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading share data")
		}

		if err := s.core.SecondStageDedup(userID, meta, data, dupStatus, int(numOfTotalShares)); err != nil {
			return err
		}

		// Probe for the next fragment; a clean close ends the session.
		nextUserID, err := readInt32(conn)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading next-fragment user id")
		}
		if nextUserID != userID {
			return kerr.New(kerr.Protocol, "user id changed mid-session",
				kerr.F("userID", userID), kerr.F("got", nextUserID))
		}
		nextIndicator, err := readInt32(conn)
		if err != nil {
			return kerr.Wrap(kerr.Protocol, err, "reading next-fragment indicator")
		}
		if wire.Indicator(nextIndicator) != wire.Meta {
			return kerr.New(kerr.Protocol, "expected META indicator",
				kerr.F("indicator", nextIndicator))
		}
	}
}

// handleDownload restores one file and streams it out as repeated
// RESP_DOWNLOAD packets.
func (s *Server) handleDownload(conn net.Conn, userID int32) error {
	fileNameSize, err := readUint32(conn)
	if err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading file name size")
	}
	if int(fileNameSize) > s.metaBufferLen {
		return kerr.New(kerr.Protocol, "file name size out of range",
			kerr.F("fileNameSize", fileNameSize))
	}
	fileName := make([]byte, fileNameSize)
	if _, err := io.ReadFull(conn, fileName); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading file name")
	}

	// The share-file buffer leads with room for the packet header so
	// each flush writes header and payload in one call.
	buffer := make([]byte, s.shareFileBufferLen)
	flush := func(n int) error {
		wire.PutPacketHeader(buffer, wire.RespDownload, uint32(n))
		if _, err := conn.Write(buffer[:wire.PacketHeaderSize+n]); err != nil {
			return kerr.Wrap(kerr.Protocol, err, "writing download response")
		}
		return nil
	}
	return s.core.RestoreShareFile(userID, string(fileName), buffer[wire.PacketHeaderSize:], flush)
}

// handlePeerIntra serves a peer node's intra-user ownership probe.
func (s *Server) handlePeerIntra(conn net.Conn, userID int32) error {
	packetSize, err := readUint32(conn)
	if err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading peer intra packet size")
	}
	if packetSize != fingerprint.Size {
		return kerr.New(kerr.Protocol, "peer intra packet size disagrees with fingerprint size",
			kerr.F("packetSize", packetSize))
	}
	var fp fingerprint.FP
	if _, err := io.ReadFull(conn, fp[:]); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading share fingerprint")
	}

	owned, err := s.core.IntraUserIndexUpdate(fp, userID)
	if err != nil {
		return err
	}

	var response [wire.PacketHeaderSize + 1]byte
	wire.PutPacketHeader(response[:], wire.RespIntraUserShareIdxUpdate, 1)
	if owned {
		response[wire.PacketHeaderSize] = 1
	}
	if _, err := conn.Write(response[:]); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "writing peer intra response")
	}
	return nil
}

// handlePeerInter serves a peer node's inter-user share store. The
// packet is fingerprint ‖ shareData; no response is sent.
func (s *Server) handlePeerInter(conn net.Conn, userID int32) error {
	packetSize, err := readUint32(conn)
	if err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading peer inter packet size")
	}
	if packetSize < fingerprint.Size || int(packetSize) > s.dataBufferLen+fingerprint.Size {
		return kerr.New(kerr.Protocol, "peer inter packet size out of range",
			kerr.F("packetSize", packetSize))
	}
	var fp fingerprint.FP
	if _, err := io.ReadFull(conn, fp[:]); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading share fingerprint")
	}
	shareData := make([]byte, packetSize-fingerprint.Size)
	if _, err := io.ReadFull(conn, shareData); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading share data")
	}
	return s.core.InterUserIndexUpdate(fp, userID, shareData)
}

// handlePeerRestore serves a peer node's share restore: the packet is
// shareSize:u64 ‖ fingerprint, the response carries the share bytes.
func (s *Server) handlePeerRestore(conn net.Conn, userID int32) error {
	packetSize, err := readUint32(conn)
	if err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading peer restore packet size")
	}
	if packetSize != 8+fingerprint.Size {
		return kerr.New(kerr.Protocol, "peer restore packet size out of range",
			kerr.F("packetSize", packetSize))
	}
	var sizeBuf [8]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading share size")
	}
	shareSize := binary.LittleEndian.Uint64(sizeBuf[:])
	if shareSize > uint64(s.shareFileBufferLen) {
		return kerr.New(kerr.Protocol, "restore share size out of range",
			kerr.F("shareSize", shareSize))
	}
	var fp fingerprint.FP
	if _, err := io.ReadFull(conn, fp[:]); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "reading share fingerprint")
	}

	response := make([]byte, wire.PacketHeaderSize+int(shareSize))
	if err := s.core.RestoreShare(fp, response[wire.PacketHeaderSize:]); err != nil {
		return err
	}
	wire.PutPacketHeader(response, wire.RespRestoreShare, uint32(shareSize))
	if _, err := conn.Write(response); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "writing peer restore response")
	}
	return nil
}

// writeStat sends the STAT response: one byte per coming share, 1 for
// a first-stage duplicate.
func writeStat(conn net.Conn, dupStatus []bool) error {
	packet := make([]byte, wire.PacketHeaderSize+len(dupStatus))
	wire.PutPacketHeader(packet, wire.Stat, uint32(len(dupStatus)))
	for i, dup := range dupStatus {
		if dup {
			packet[wire.PacketHeaderSize+i] = 1
		}
	}
	if _, err := conn.Write(packet); err != nil {
		return kerr.Wrap(kerr.Protocol, err, "writing stat response")
	}
	return nil
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
