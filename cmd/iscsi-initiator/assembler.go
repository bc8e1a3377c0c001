package main

import (
	"fmt"

	"github.com/go-iscsi/initiator/pkg/transport"
)

// demoAssembler is a minimal KeyValueAssembler for the CLI: it
// negotiates no security (transits SecurityNegotiation immediately)
// and offers a fixed operational parameter set. A real initiator
// would plug in a CHAP-capable negotiator here; the transport core
// itself is indifferent to what is inside the payload.
type demoAssembler struct {
	initiatorName string
	targetName    string
}

func (d *demoAssembler) InitTextParameters() error { return nil }

func (d *demoAssembler) AssembleSecurityParameters() (transport.KeyValueResult, error) {
	payload := fmt.Sprintf("InitiatorName=%s\x00SessionType=Normal\x00AuthMethod=None\x00", d.initiatorName)
	return transport.KeyValueResult{Payload: []byte(payload), Next: 0}, nil
}

func (d *demoAssembler) AssembleNegotiationParameters() (transport.KeyValueResult, error) {
	payload := "HeaderDigest=None\x00DataDigest=None\x00MaxRecvDataSegmentLength=65536\x00InitialR2T=Yes\x00ImmediateData=Yes\x00"
	return transport.KeyValueResult{Payload: []byte(payload), Next: 0}, nil
}

func (d *demoAssembler) AssembleLoginParameters(isidTSIH []byte) (transport.KeyValueResult, error) {
	return d.AssembleSecurityParameters()
}

func (d *demoAssembler) AssembleSendTargets(key string) (transport.KeyValueResult, error) {
	payload := fmt.Sprintf("SendTargets=%s\x00", key)
	return transport.KeyValueResult{Payload: []byte(payload), Next: 0}, nil
}
