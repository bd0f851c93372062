package dhcpproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
)

// errNotBootable classifies packets the responder ignores.
var errNotBootable = errors.New("not a PXE boot request")

// Config holds the responder's settings.
type Config struct {
	// DHCPAddr and ProxyAddr are the listen addresses (":67", ":4011").
	DHCPAddr  string
	ProxyAddr string

	// TFTPServerIP is handed to clients as next-server (siaddr).
	TFTPServerIP net.IP

	// Bootloader filenames by firmware class, relative to the TFTP root.
	BIOSBootfile    string
	UEFIBootfile    string
	UEFI32Bootfile  string
	UEFIArmBootfile string
}

// Responder is a Proxy-DHCP server: it steers PXE firmware to the
// correct next-server and bootloader without allocating addresses.
type Responder struct {
	cfg    Config
	logger zerolog.Logger
}

// NewResponder creates a Proxy-DHCP responder.
func NewResponder(cfg Config) *Responder {
	return &Responder{
		cfg:    cfg,
		logger: log.WithComponent("dhcp"),
	}
}

// Run binds both sockets and serves until the context is cancelled.
func (p *Responder) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, addr := range []string{p.cfg.DHCPAddr, p.cfg.ProxyAddr} {
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", addr, err)
		}

		server, err := server4.NewServer("", udpAddr, p.handlePacket)
		if err != nil {
			return fmt.Errorf("failed to create DHCP server on %s: %w", addr, err)
		}

		p.logger.Info().Str("addr", addr).Msg("proxy-dhcp listening")

		eg.Go(func() error {
			if err := server.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("dhcp server on %s: %w", addr, err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
	}

	return eg.Wait()
}

// handlePacket is the per-packet entry point. Reply composition is
// stateless; unusable packets are dropped silently (logged at debug).
func (p *Responder) handlePacket(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	reply, err := p.BuildReply(m)
	if err != nil {
		metrics.DHCPPacketsTotal.WithLabelValues("dropped").Inc()
		p.logger.Debug().
			Str("mac", m.ClientHWAddr.String()).
			Err(err).
			Msg("ignoring packet")
		return
	}

	if _, err := conn.WriteTo(reply.ToBytes(), replyAddr(peer, m)); err != nil {
		metrics.DHCPPacketsTotal.WithLabelValues("error").Inc()
		p.logger.Error().Err(err).Msg("failed to send reply")
		return
	}

	metrics.DHCPPacketsTotal.WithLabelValues("answered").Inc()
	p.logger.Info().
		Str("mac", m.ClientHWAddr.String()).
		Str("bootfile", reply.BootFileName).
		Str("next_server", reply.ServerIPAddr.String()).
		Msg("boot options offered")
}

// BuildReply composes the BOOTP reply for a PXE request, or an error
// when the packet should be dropped.
func (p *Responder) BuildReply(m *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	if err := p.validate(m); err != nil {
		return nil, err
	}

	bootfile, err := p.bootfileFor(m)
	if err != nil {
		return nil, err
	}

	reply, err := dhcpv4.NewReplyFromRequest(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build reply: %w", err)
	}

	switch mt := m.MessageType(); mt {
	case dhcpv4.MessageTypeDiscover:
		reply.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))
	case dhcpv4.MessageTypeRequest, dhcpv4.MessageTypeInform:
		reply.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
	default:
		return nil, fmt.Errorf("message type %s: %w", mt, errNotBootable)
	}

	// Proxy-DHCP: name the boot source, never assign an address.
	reply.ServerIPAddr = p.cfg.TFTPServerIP
	reply.BootFileName = bootfile
	reply.YourIPAddr = net.IPv4zero

	reply.UpdateOption(dhcpv4.OptServerIdentifier(p.cfg.TFTPServerIP))
	reply.UpdateOption(dhcpv4.OptClassIdentifier("PXEClient"))
	reply.UpdateOption(dhcpv4.OptTFTPServerName(p.cfg.TFTPServerIP.String()))
	reply.UpdateOption(dhcpv4.OptBootFileName(bootfile))

	// Pass the client machine identifier (option 97) back through.
	if guid := m.GetOneOption(dhcpv4.OptionClientMachineIdentifier); len(guid) > 0 {
		reply.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientMachineIdentifier, guid))
	}

	return reply, nil
}

// validate applies the PXE boot-request checks: BOOTP request with a
// PXEClient vendor class and a client-architecture option.
func (p *Responder) validate(m *dhcpv4.DHCPv4) error {
	if m.OpCode != dhcpv4.OpcodeBootRequest {
		return fmt.Errorf("opcode %s: %w", m.OpCode, errNotBootable)
	}
	if !strings.HasPrefix(m.ClassIdentifier(), "PXEClient") {
		return fmt.Errorf("vendor class %q: %w", m.ClassIdentifier(), errNotBootable)
	}
	if len(m.ClientArch()) == 0 {
		return fmt.Errorf("no client architecture option: %w", errNotBootable)
	}
	return nil
}

// bootfileFor maps the client system architecture (option 93) to a
// bootloader path. Unconfigured architectures drop the packet.
func (p *Responder) bootfileFor(m *dhcpv4.DHCPv4) (string, error) {
	for _, arch := range m.ClientArch() {
		switch arch {
		case iana.INTEL_X86PC:
			if p.cfg.BIOSBootfile != "" {
				return p.cfg.BIOSBootfile, nil
			}
		case iana.EFI_BC, iana.EFI_X86_64:
			if p.cfg.UEFIBootfile != "" {
				return p.cfg.UEFIBootfile, nil
			}
		case iana.EFI_IA32:
			if p.cfg.UEFI32Bootfile != "" {
				return p.cfg.UEFI32Bootfile, nil
			}
		case iana.EFI_ARM32, iana.EFI_ARM64:
			if p.cfg.UEFIArmBootfile != "" {
				return p.cfg.UEFIArmBootfile, nil
			}
		}
	}
	return "", fmt.Errorf("unsupported architecture %v: %w", m.ClientArch(), errNotBootable)
}

// replyAddr picks the destination for the reply. Clients without an
// address yet listen on the broadcast address.
func replyAddr(peer net.Addr, m *dhcpv4.DHCPv4) net.Addr {
	if udp, ok := peer.(*net.UDPAddr); ok {
		if !udp.IP.IsUnspecified() && !udp.IP.Equal(net.IPv4zero) {
			return udp
		}
		return &net.UDPAddr{IP: net.IPv4bcast, Port: udp.Port}
	}
	return peer
}
