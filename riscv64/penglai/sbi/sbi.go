// SBI return values and call argument layouts for the Penglai PMP extension
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sbi defines the SBI-level wire types shared by the Penglai PMP
// host and enclave extensions: the Code/Return values an ECALL handler
// reports back through a0/a1, and the argument structures copied across the
// host/secure-monitor boundary.
package sbi

// Code is an SBI error code, returned in a0 alongside a Return's Value in
// a1.
type Code int64

const (
	CodeSuccess          Code = 0
	CodeFailed           Code = -1
	CodeNotSupported     Code = -2
	CodeInvalidParam     Code = -3
	CodeDenied           Code = -4
	CodeInvalidAddress   Code = -5
	CodeAlreadyAvailable Code = -6
	CodeAlreadyStarted   Code = -7
	CodeAlreadyStopped   Code = -8
)

// Return mirrors RustSBI's SbiRet: a Code paired with a call-specific value,
// meaningful only when Code is CodeSuccess.
type Return struct {
	Code  Code
	Value int64
}

func Success(value int64) Return { return Return{Code: CodeSuccess, Value: value} }
func Failed() Return             { return Return{Code: CodeFailed} }
func InvalidParam() Return       { return Return{Code: CodeInvalidParam} }
func InvalidAddress() Return     { return Return{Code: CodeInvalidAddress} }
func AlreadyStarted() Return     { return Return{Code: CodeAlreadyStarted} }

// IsSuccess reports whether r represents a successful call.
func (r Return) IsSuccess() bool { return r.Code == CodeSuccess }

// Penglai PMP extension IDs and per-extension function IDs, dispatched by
// riscv64/penglai's ECALL entry point.
const (
	EIDPenglaiHost    = 0x554c4548 // "ULEH", host-facing secure memory management
	EIDPenglaiEnclave = 0x554c4545 // "ULEE", enclave-facing reserved extension
)

const (
	FuncAllocEnclaveMem = iota
	FuncFreeEnclaveMem
	FuncMemoryExtend
	FuncMemoryReclaim
	FuncMMInit
)

// EnclaveMemArgs is copied host->SM by AllocEnclaveMem/FreeEnclaveMem
// requests and SM->host on a successful allocation response. ReqSize is the
// byte count the host asked for; RspSize and Addr are filled in by the
// monitor once the allocation is satisfied.
type EnclaveMemArgs struct {
	ReqSize uint64
	RspSize uint64
	Addr    uint64
}
