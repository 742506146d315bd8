//go:build linux

package pollnet

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

const defaultEpollEvents = 128

// epoller is a level-triggered epoll instance with an eventfd used for wakeups.
type epoller struct {
	fd     int
	wakeFd int
	events []unix.EpollEvent
}

// NewPoller creates the platform readiness poller.
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &IOError{Op: "epoll_create1", Err: err}
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, &IOError{Op: "eventfd", Err: err}
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(fd)
		return nil, &IOError{Op: "epoll_ctl", Err: err}
	}

	return &epoller{
		fd:     fd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, defaultEpollEvents),
	}, nil
}

func (p *epoller) Add(fd int, events Event) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

func (p *epoller) Modify(fd int, events Event) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

func (p *epoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return &IOError{Op: "epoll_ctl", Err: err}
	}
	return nil
}

func (p *epoller) ctl(op, fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, op, fd, &ev); err != nil {
		return &IOError{Op: "epoll_ctl", Err: err}
	}
	return nil
}

func (p *epoller) Wait(ready []Readiness, timeout time.Duration) ([]Readiness, error) {
	msec := -1
	if timeout > 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 {
			msec = 1
		}
	}

	n, err := unix.EpollWait(p.fd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return ready, nil
		}
		return ready, &IOError{Op: "epoll_wait", Err: err}
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		if int(ev.Fd) == p.wakeFd {
			p.drainWakeup()
			continue
		}
		ready = append(ready, Readiness{Fd: int(ev.Fd), Events: fromEpoll(ev.Events)})
	}

	// grow for the next round when the batch was full
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return ready, nil
}

func (p *epoller) Wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakeFd, buf[:]); err != nil && err != unix.EAGAIN {
		return &IOError{Op: "eventfd write", Err: err}
	}
	return nil
}

func (p *epoller) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(p.wakeFd, buf[:])
}

func (p *epoller) Close() error {
	errWake := unix.Close(p.wakeFd)
	if err := unix.Close(p.fd); err != nil {
		return &IOError{Op: "close", Err: err}
	}
	if errWake != nil {
		return &IOError{Op: "close", Err: errWake}
	}
	return nil
}

func toEpoll(events Event) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// fromEpoll reports error and hang-up conditions as both read and write
// readiness so the next socket call surfaces the failure.
func fromEpoll(e uint32) Event {
	var events Event
	if e&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= EventRead
	}
	if e&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= EventWrite
	}
	return events
}
