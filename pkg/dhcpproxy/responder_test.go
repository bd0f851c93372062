package dhcpproxy

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResponder() *Responder {
	return NewResponder(Config{
		DHCPAddr:        ":67",
		ProxyAddr:       ":4011",
		TFTPServerIP:    net.IPv4(192, 168, 1, 10),
		BIOSBootfile:    "undionly.kpxe",
		UEFIBootfile:    "ipxe.efi",
		UEFIArmBootfile: "ipxe-arm64.efi",
	})
}

func pxeRequest(t *testing.T, msgType dhcpv4.MessageType, arch iana.Arch, mods ...dhcpv4.Modifier) *dhcpv4.DHCPv4 {
	t.Helper()
	base := []dhcpv4.Modifier{
		dhcpv4.WithHwAddr(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}),
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("PXEClient:Arch:00000:UNDI:002001")),
		dhcpv4.WithOption(dhcpv4.OptClientArch(arch)),
	}
	m, err := dhcpv4.New(append(base, mods...)...)
	require.NoError(t, err)
	return m
}

func TestBuildReplyBIOSDiscover(t *testing.T) {
	p := testResponder()

	m := pxeRequest(t, dhcpv4.MessageTypeDiscover, iana.INTEL_X86PC)
	reply, err := p.BuildReply(m)
	require.NoError(t, err)

	assert.Equal(t, dhcpv4.MessageTypeOffer, reply.MessageType())
	assert.Equal(t, "undionly.kpxe", reply.BootFileName)
	assert.True(t, reply.ServerIPAddr.Equal(net.IPv4(192, 168, 1, 10)))
	// Proxy-DHCP never assigns an address.
	assert.True(t, reply.YourIPAddr.Equal(net.IPv4zero))
	assert.Equal(t, "PXEClient", reply.ClassIdentifier())
	assert.Equal(t, m.TransactionID, reply.TransactionID)
}

func TestBuildReplyUEFIRequest(t *testing.T) {
	p := testResponder()

	for _, arch := range []iana.Arch{iana.EFI_X86_64, iana.EFI_BC} {
		m := pxeRequest(t, dhcpv4.MessageTypeRequest, arch)
		reply, err := p.BuildReply(m)
		require.NoError(t, err, arch)

		assert.Equal(t, dhcpv4.MessageTypeAck, reply.MessageType())
		assert.Equal(t, "ipxe.efi", reply.BootFileName)
	}
}

func TestBuildReplyArm64(t *testing.T) {
	p := testResponder()

	m := pxeRequest(t, dhcpv4.MessageTypeDiscover, iana.EFI_ARM64)
	reply, err := p.BuildReply(m)
	require.NoError(t, err)
	assert.Equal(t, "ipxe-arm64.efi", reply.BootFileName)
}

func TestBuildReplyDropsUnconfiguredArch(t *testing.T) {
	p := NewResponder(Config{
		TFTPServerIP: net.IPv4(192, 168, 1, 10),
		BIOSBootfile: "undionly.kpxe",
		// No UEFI bootfile configured.
	})

	m := pxeRequest(t, dhcpv4.MessageTypeDiscover, iana.EFI_X86_64)
	_, err := p.BuildReply(m)
	assert.ErrorIs(t, err, errNotBootable)
}

func TestBuildReplyDropsNonPXE(t *testing.T) {
	p := testResponder()

	// A plain DHCP discover with no PXE vendor class.
	m, err := dhcpv4.New(
		dhcpv4.WithHwAddr(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
	)
	require.NoError(t, err)
	_, err = p.BuildReply(m)
	assert.ErrorIs(t, err, errNotBootable)

	// PXE vendor class but no architecture option.
	m, err = dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("PXEClient")),
	)
	require.NoError(t, err)
	_, err = p.BuildReply(m)
	assert.ErrorIs(t, err, errNotBootable)

	// Replies are never answered.
	m = pxeRequest(t, dhcpv4.MessageTypeDiscover, iana.INTEL_X86PC)
	m.OpCode = dhcpv4.OpcodeBootReply
	_, err = p.BuildReply(m)
	assert.ErrorIs(t, err, errNotBootable)

	// Releases carry no boot intent.
	m = pxeRequest(t, dhcpv4.MessageTypeRelease, iana.INTEL_X86PC)
	_, err = p.BuildReply(m)
	assert.ErrorIs(t, err, errNotBootable)
}

func TestBuildReplyPassesMachineIdentifier(t *testing.T) {
	p := testResponder()

	guid := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	m := pxeRequest(t, dhcpv4.MessageTypeDiscover, iana.INTEL_X86PC,
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionClientMachineIdentifier, guid)))

	reply, err := p.BuildReply(m)
	require.NoError(t, err)
	assert.Equal(t, guid, reply.GetOneOption(dhcpv4.OptionClientMachineIdentifier))
}

func TestReplyAddr(t *testing.T) {
	m := &dhcpv4.DHCPv4{}

	// A client that already has an address is answered directly.
	direct := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 68}
	assert.Equal(t, direct, replyAddr(direct, m))

	// An unconfigured client listens on broadcast.
	unspec := &net.UDPAddr{IP: net.IPv4zero, Port: 68}
	got, ok := replyAddr(unspec, m).(*net.UDPAddr)
	require.True(t, ok)
	assert.True(t, got.IP.Equal(net.IPv4bcast))
	assert.Equal(t, 68, got.Port)
}
