package netio

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// PortMapper is the public port-mapping contract described in spec §9: the
// source's UPnP stub performed SSDP discovery but never executed the SOAP
// AddPortMapping/DeletePortMapping actions. This module preserves the
// contract and backs it with a real implementation.
type PortMapper interface {
	AddPortMapping(extPort, intPort int, proto string) error
	DeletePortMapping(extPort int, proto string) error
	ExternalIP() (net.IP, error)
}

// natPMPMapper backs PortMapper with NAT-PMP (RFC 6886).
type natPMPMapper struct {
	client *natpmp.Client
	log    *logrus.Entry
}

// DiscoverNATPMP probes the default gateway for a NAT-PMP responder.
func DiscoverNATPMP(gateway net.IP, logger *logrus.Logger) (PortMapper, error) {
	client := natpmp.NewClient(gateway)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("netio: nat-pmp probe: %w", err)
	}
	return &natPMPMapper{client: client, log: loggerEntry(logger)}, nil
}

func (m *natPMPMapper) AddPortMapping(extPort, intPort int, proto string) error {
	lifetime := 3600
	_, err := m.client.AddPortMapping(proto, intPort, extPort, lifetime)
	if err != nil {
		return fmt.Errorf("netio: nat-pmp add mapping: %w", err)
	}
	m.log.WithFields(logrus.Fields{"ext": extPort, "int": intPort, "proto": proto}).Info("nat-pmp mapping added")
	return nil
}

func (m *natPMPMapper) DeletePortMapping(extPort int, proto string) error {
	// RFC 6886: a mapping with requested lifetime 0 deletes it.
	_, err := m.client.AddPortMapping(proto, extPort, 0, 0)
	if err != nil {
		return fmt.Errorf("netio: nat-pmp delete mapping: %w", err)
	}
	return nil
}

func (m *natPMPMapper) ExternalIP() (net.IP, error) {
	resp, err := m.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	ip := net.IP(resp.ExternalIPAddress[:])
	return ip, nil
}

// upnpMapper backs PortMapper with UPnP IGD (the real SOAP AddPortMapping /
// DeletePortMapping calls §9 calls for, replacing the source's SSDP-only
// discovery stub).
type upnpMapper struct {
	client internetgateway2.WANIPConnection1
	log    *logrus.Entry
}

// DiscoverUPnP performs SSDP discovery and returns the first WANIPConnection1
// service found.
func DiscoverUPnP(logger *logrus.Logger) (PortMapper, error) {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return nil, fmt.Errorf("netio: upnp discovery: %w", err)
	}
	if len(clients) == 0 {
		return nil, errors.New("netio: upnp discovery: no WANIPConnection1 services found")
	}
	return &upnpMapper{client: *clients[0], log: loggerEntry(logger)}, nil
}

func (m *upnpMapper) AddPortMapping(extPort, intPort int, proto string) error {
	localIP, err := localIPv4()
	if err != nil {
		return err
	}
	err = m.client.AddPortMapping(
		"", uint16(extPort), proto, uint16(intPort), localIP.String(),
		true, "kadmesh", 3600,
	)
	if err != nil {
		return fmt.Errorf("netio: upnp add mapping: %w", err)
	}
	m.log.WithFields(logrus.Fields{"ext": extPort, "int": intPort, "proto": proto}).Info("upnp mapping added")
	return nil
}

func (m *upnpMapper) DeletePortMapping(extPort int, proto string) error {
	if err := m.client.DeletePortMapping("", uint16(extPort), proto); err != nil {
		return fmt.Errorf("netio: upnp delete mapping: %w", err)
	}
	return nil
}

func (m *upnpMapper) ExternalIP() (net.IP, error) {
	ipStr, err := m.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("netio: upnp returned unparseable ip %q", ipStr)
	}
	return ip, nil
}

func localIPv4() (net.IP, error) {
	conn, err := net.DialTimeout("udp4", "8.8.8.8:80", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("netio: determine local ip: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// DefaultGateway guesses the LAN default gateway as the local IPv4 address
// with its last octet replaced by 1, the convention nearly every home/office
// router follows. NAT-PMP has no discovery protocol of its own, so
// DiscoverPortMapper needs something to probe; UPnP ignores this guess
// entirely since SSDP discovery finds the IGD itself.
func DefaultGateway() (net.IP, error) {
	local, err := localIPv4()
	if err != nil {
		return nil, err
	}
	gateway := make(net.IP, len(local))
	copy(gateway, local)
	gateway[len(gateway)-1] = 1
	return gateway, nil
}

func loggerEntry(logger *logrus.Logger) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", "portmap")
}

// DiscoverPortMapper tries NAT-PMP first, then UPnP, matching the order the
// teacher's nat.Map helper tried its own backends.
func DiscoverPortMapper(gateway net.IP, logger *logrus.Logger) (PortMapper, error) {
	if pm, err := DiscoverNATPMP(gateway, logger); err == nil {
		return pm, nil
	}
	return DiscoverUPnP(logger)
}
