/*
Package dhcpproxy implements the Proxy-DHCP responder.

PXE firmware broadcasts DHCP DISCOVER/REQUEST packets carrying a
PXEClient vendor class and its system architecture (option 93). The
responder answers with the TFTP next-server and a firmware-appropriate
bootloader filename; it never assigns addresses (yiaddr stays zero) and
silently drops packets it cannot steer. IP assignment remains the job
of the site's existing DHCP authority.
*/
package dhcpproxy
