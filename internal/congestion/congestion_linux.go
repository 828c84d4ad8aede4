//go:build linux
// +build linux

package congestion

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/m-lab/tcp-info/inetdiag"
)

// tcpCCInfo is TCP_CC_INFO from Linux's <linux/tcp.h>. golang.org/x/sys/unix
// does not export it since its payload layout is congestion-algorithm
// specific rather than a fixed kernel ABI struct.
const tcpCCInfo = 26

func set(fp *os.File, cc string) error {
	return unix.SetsockoptString(int(fp.Fd()), unix.IPPROTO_TCP, unix.TCP_CONGESTION, cc)
}

func get(fp *os.File) (string, error) {
	return unix.GetsockoptString(int(fp.Fd()), unix.IPPROTO_TCP, unix.TCP_CONGESTION)
}

// getMaxBandwidthAndMinRTT reads TCP_CC_INFO directly into an
// inetdiag.BBRInfo, by field layout rather than by name, since the
// kernel only fills this struct meaningfully when the socket's
// congestion control algorithm is actually BBR.
func getMaxBandwidthAndMinRTT(fp *os.File) (inetdiag.BBRInfo, error) {
	var info inetdiag.BBRInfo
	size := uint32(unsafe.Sizeof(info))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT,
		fp.Fd(),
		uintptr(unix.IPPROTO_TCP),
		uintptr(tcpCCInfo),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unsafe.Pointer(&size)),
		0)
	if errno != 0 {
		return inetdiag.BBRInfo{}, errno
	}
	return info, nil
}
