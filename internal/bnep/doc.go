// Package bnep implements the Bluetooth Network Encapsulation Protocol
// (BNEP Specification v1.0) client side: the frame codec and the
// per-session channel state machine used by the PAN User role.
package bnep
