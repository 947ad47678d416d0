//go:build linux

package transport

import (
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/internal/uring"
)

// htons converts a port to network byte order.
func htons(p uint16) uint16 {
	return p<<8 | p>>8
}

// sockaddrStorage holds pre-allocated raw sockaddr buffers so
// connect and accept submissions never allocate.
type sockaddrStorage struct {
	v4 uring.RawSockaddrInet4
	v6 uring.RawSockaddrInet6
}

// set encodes addr ("host:port") into the storage and returns the
// pointer, length and address family for SQE preparation.
func (s *sockaddrStorage) set(addr string) (uintptr, uint64, int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return 0, 0, 0, errs.Wrap("RESOLVE", err)
	}
	if ip4 := tcp.IP.To4(); ip4 != nil {
		s.v4 = uring.RawSockaddrInet4{
			Family: unix.AF_INET,
			Port:   htons(uint16(tcp.Port)),
		}
		copy(s.v4.Addr[:], ip4)
		return uintptr(unsafe.Pointer(&s.v4)), uint64(unsafe.Sizeof(s.v4)), unix.AF_INET, nil
	}
	s.v6 = uring.RawSockaddrInet6{
		Family: unix.AF_INET6,
		Port:   htons(uint16(tcp.Port)),
	}
	copy(s.v6.Addr[:], tcp.IP.To16())
	return uintptr(unsafe.Pointer(&s.v6)), uint64(unsafe.Sizeof(s.v6)), unix.AF_INET6, nil
}

// listenerSockaddr builds the bind address for the listening socket.
func listenerSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, errs.Wrap("RESOLVE", err)
	}
	if ip4 := tcp.IP.To4(); ip4 != nil || tcp.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], tcp.IP.To16())
	return sa, unix.AF_INET6, nil
}
