// Package ras implements the server side of the Bluetooth Ranging Service
// data path for Channel Sounding results.
//
// The package covers:
//   - Step decoding and per-mode field filtering, including IQ to phase conversion
//   - Ranging data body assembly (procedure header, subevent headers, filtered steps)
//   - Segmentation onto the on-demand and real-time data characteristics
//   - The control-point state machine with acknowledgment timeouts and
//     retransmission of lost segments
//   - A fixed-capacity per-connection session registry
//
// Transport, timers and the controller feed are supplied by the caller; see
// the gattsrv and runloop packages for the go-ble binding.
package ras
