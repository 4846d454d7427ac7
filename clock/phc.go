//go:build linux

/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultMaxClockFreqPPB is used when the PHC driver doesn't expose a
// tolerance value through clock_adjtime.
const DefaultMaxClockFreqPPB = 500000.0

const (
	ptpSysOffsetPrecise2 = 0xc0403d11
	ptpExttsRequest2     = 0x40103d0b
	ptpPeroutRequest2    = 0x40383d0c
)

type ptpClockTime struct {
	Sec      int64
	Nsec     uint32
	Reserved uint32
}

func (t ptpClockTime) time() time.Time {
	return time.Unix(t.Sec, int64(t.Nsec))
}

type ptpSysOffsetPrecise struct {
	Device   ptpClockTime
	Realtime ptpClockTime
	Monoraw  ptpClockTime
	Rsv      [4]uint32
}

// fdToClockID derives a clock ID from a file descriptor, per
// clock_gettime(3)'s FD_TO_CLOCKID macro.
func fdToClockID(fd uintptr) int32 { return int32((^int(fd) << 3) | 3) }

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// PHCClock is a Clock Abstraction implementation backed by a NIC's PTP
// Hardware Clock (PHC), accessed through its /dev/ptpN character device.
type PHCClock struct {
	iface      string
	devicePath string
	file       *os.File
	stateFile  string

	eventEnabled bool
}

// NewPHCClock opens the PHC device associated with iface.
func NewPHCClock(iface, stateDir string) (*PHCClock, error) {
	devicePath, err := ifaceToPHCDevice(iface)
	if err != nil {
		return nil, fmt.Errorf("finding PHC device for %q: %w", iface, err)
	}
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening PHC device %q: %w", devicePath, err)
	}
	return &PHCClock{
		iface:      iface,
		devicePath: devicePath,
		file:       f,
		stateFile:  filepath.Join(stateDir, fmt.Sprintf("%s.freq", iface)),
	}, nil
}

// ifaceToPHCDevice resolves the /dev/ptpN path for a network interface via
// ethtool's ETHTOOL_GET_TS_INFO ioctl.
func ifaceToPHCDevice(iface string) (string, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		return "", err
	}
	info := unix.EthtoolTsInfo{Cmd: unix.ETHTOOL_GET_TS_INFO}
	ifrd := ifr.WithData(unsafe.Pointer(&info))
	if err := unix.IoctlIfreqData(fd, unix.SIOCETHTOOL, &ifrd); err != nil {
		return "", fmt.Errorf("SIOCETHTOOL on %q: %w", iface, err)
	}
	if info.Phc_index < 0 {
		return "", fmt.Errorf("interface %q does not support hardware timestamping", iface)
	}
	return fmt.Sprintf("/dev/ptp%d", info.Phc_index), nil
}

func (p *PHCClock) clockID() int32 { return fdToClockID(p.file.Fd()) }

// Name implements Clock.
func (p *PHCClock) Name() string { return p.iface }

// Now implements Clock.
func (p *PHCClock) Now() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(p.clockID(), &ts); err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts.Sec, int64(ts.Nsec)), nil
}

// CompareToSystem implements Clock using PTP_SYS_OFFSET_PRECISE, which
// asks the kernel to capture the PHC and system clock close together so
// the difference is not dominated by ioctl latency.
func (p *PHCClock) CompareToSystem() (time.Duration, error) {
	var off ptpSysOffsetPrecise
	if err := ioctlPtr(int(p.file.Fd()), ptpSysOffsetPrecise2, unsafe.Pointer(&off)); err != nil {
		return 0, fmt.Errorf("PTP_SYS_OFFSET_PRECISE on %q: %w", p.iface, err)
	}
	return off.Device.time().Sub(off.Realtime.time()), nil
}

// AdjFreqPPB implements Clock.
func (p *PHCClock) AdjFreqPPB(freqPPB float64) error {
	return adjtimex{clockID: p.clockID()}.adjFreqPPB(freqPPB)
}

// FrequencyPPB implements Clock.
func (p *PHCClock) FrequencyPPB() (float64, error) {
	return adjtimex{clockID: p.clockID()}.frequencyPPB()
}

// Step implements Clock.
func (p *PHCClock) Step(offset time.Duration) error {
	return adjtimex{clockID: p.clockID()}.step(offset)
}

// MaxFreqPPB implements Clock.
func (p *PHCClock) MaxFreqPPB() (float64, error) {
	freq, err := adjtimex{clockID: p.clockID()}.maxFreqPPB()
	if err != nil {
		return DefaultMaxClockFreqPPB, err
	}
	return freq, nil
}

// SaveFrequency implements Clock by writing a single float to a small
// state file next to the daemon's other persisted state.
func (p *PHCClock) SaveFrequency(freqPPB float64) error {
	return os.WriteFile(p.stateFile, []byte(strconv.FormatFloat(freqPPB, 'f', -1, 64)+"\n"), 0644)
}

// LoadFrequency implements Clock.
func (p *PHCClock) LoadFrequency() (float64, bool, error) {
	f, err := os.Open(p.stateFile)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, false, nil
	}
	freq, err := strconv.ParseFloat(strings.TrimSpace(scanner.Text()), 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing persisted frequency in %q: %w", p.stateFile, err)
	}
	return freq, true, nil
}

// EnableEventSource implements Clock, arming or disarming external
// timestamping (extts) on pin 0 of the PHC, the pulse-per-second input the
// SHM sync module reads hardware timestamps from.
func (p *PHCClock) EnableEventSource(enable bool) error {
	flags := uint32(0)
	if enable {
		flags = 1 | 2 // PTP_ENABLE_FEATURE | PTP_RISING_EDGE
	}
	req := struct {
		Index uint32
		Flags uint32
		Rsv   [2]uint32
	}{Index: 0, Flags: flags}
	if err := ioctlPtr(int(p.file.Fd()), ptpExttsRequest2, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("PTP_EXTTS_REQUEST on %q: %w", p.iface, err)
	}
	p.eventEnabled = enable
	return nil
}

// EventFile returns the PHC character device, which becomes readable
// whenever a new extts event (a pulse edge) is available.
func (p *PHCClock) EventFile() *os.File { return p.file }

// ReadEvent reads one extts pulse event from the PHC device, blocking
// until one is available or the device is closed. The kernel's event
// record carries no sequence number: the first result is the extts
// channel index the event arrived on.
func (p *PHCClock) ReadEvent() (seq uint32, ts time.Time, err error) {
	type extts struct {
		T     ptpClockTime
		Index uint32
		Flags uint32
		Rsv   [2]uint32
	}
	buf := make([]byte, unsafe.Sizeof(extts{}))
	n, err := p.file.Read(buf)
	if err != nil {
		return 0, time.Time{}, err
	}
	if n != len(buf) {
		return 0, time.Time{}, fmt.Errorf("short read of extts event: %d bytes", n)
	}
	ev := (*extts)(unsafe.Pointer(&buf[0]))
	return ev.Index, ev.T.time(), nil
}

// Close releases the PHC device.
func (p *PHCClock) Close() error { return p.file.Close() }
