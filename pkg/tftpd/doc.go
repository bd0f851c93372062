/*
Package tftpd serves bootloader binaries over TFTP (RFC 1350).

The server is read-only and rooted: every requested filename is
canonicalized with symlinks followed and refused if it escapes the
root. Raspberry Pi clients fetch firmware from per-serial directories
maintained by the PiDirManager, which symlinks into a shared firmware
tree inside the root.
*/
package tftpd
