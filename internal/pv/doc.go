// Package pv defines the process-variable channel capability that loops
// read from and write to, plus an in-memory channel bank and a timeout
// wrapper.
//
// PV names follow the EPICS convention SYSTEM:AREA:DEVICE:FIELD, e.g.
// UCN2:HE4:FPV201:POS. A channel is powered when its STATON companion
// (UCN2:HE4:FPV201:STATON) reads non-zero.
//
// Every channel handed to a supervisor must be wrapped with [WithTimeout]:
// a device that stops answering surfaces as [ErrTimeout] instead of
// blocking the loop.
package pv
