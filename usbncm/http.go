package usbncm

import (
	"encoding/json"
	"net/http"

	"github.com/golabusb/ncmhost/generichttp"
)

// RT builds the diagnostics RouteTable described in SPEC_FULL.md §6.1:
// link state, negotiated speeds, MAC, MTU, transfer statistics, and the
// shutdown gate. None of these routes sit in the TX/RX hot path; only
// /stats takes the encoder and decoder locks, briefly, to copy counters.
func RT(d *Device) generichttp.RouteTable {
	gate := d.Gate()
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/link"}: generichttp.GetBool(func() (bool, error) {
			return d.CheckConnect(), nil
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/speed/down"}: speedHandler(d, true),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/speed/up"}:   speedHandler(d, false),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/mac"}: generichttp.GetString(func() (string, error) {
			return d.MAC(), nil
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/mtu"}: generichttp.GetInt(func() (int, error) {
			return int(d.MTU()), nil
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/stats"}: statsHandler(d),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}:  gate.HTTPGet,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}: gate.HTTPSet,
	}
	return rt
}

// speedHandler serves either the downlink or uplink bit rate from the
// most recent SPEED_CHANGE notification.
func speedHandler(d *Device, down bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rx, tx := d.Link().Speeds()
		bps := tx
		if down {
			bps = rx
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(generichttp.Uint32T{Uint: bps})
	}
}

type statsPayload struct {
	TxPackets uint64 `json:"tx_packets"`
	TxDropped uint64 `json:"tx_dropped"`
	RxPackets uint64 `json:"rx_packets"`
	RxDropped uint64 `json:"rx_dropped"`
}

func statsHandler(d *Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, rx := d.Stats()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(statsPayload{
			TxPackets: tx.TxPackets,
			TxDropped: tx.TxDropped,
			RxPackets: rx.RxPackets,
			RxDropped: rx.RxDropped,
		})
	}
}
