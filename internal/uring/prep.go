package uring

// SQE preparation helpers. Each sets the minimum field set for its
// opcode; callers stamp UserData with their token afterwards.

func (s *SQE) prepRW(op uint8, fd int, addr uint64, n uint32, off uint64) {
	s.Reset()
	s.Opcode = op
	s.Fd = int32(fd)
	s.Off = off
	s.Addr = addr
	s.Len = n
}

// PrepNop prepares a no-op.
func (s *SQE) PrepNop() {
	s.prepRW(OpNop, -1, 0, 0, 0)
}

// PrepSend prepares a send from a plain buffer address.
func (s *SQE) PrepSend(fd int, addr uintptr, n uint32, msgFlags uint32) {
	s.prepRW(OpSend, fd, uint64(addr), n, 0)
	s.OpFlags = msgFlags
}

// PrepSendFixed prepares a send referencing a registered buffer by
// index. The address still identifies the region; the index lets
// the kernel skip per-call pinning.
func (s *SQE) PrepSendFixed(fd int, addr uintptr, n uint32, msgFlags uint32, bufIndex uint16) {
	s.PrepSend(fd, addr, n, msgFlags)
	s.Ioprio |= RecvsendFixedBuf
	s.BufIndex = bufIndex
}

// PrepSendZC prepares a zero-copy send. The submission completes in
// two stages: the byte-count CQE first, then a CQEFNotif CQE when
// the kernel releases the buffer.
func (s *SQE) PrepSendZC(fd int, addr uintptr, n uint32, msgFlags uint32) {
	s.prepRW(OpSendZC, fd, uint64(addr), n, 0)
	s.OpFlags = msgFlags
}

// PrepRecv prepares a receive into a plain buffer address.
func (s *SQE) PrepRecv(fd int, addr uintptr, n uint32, msgFlags uint32) {
	s.prepRW(OpRecv, fd, uint64(addr), n, 0)
	s.OpFlags = msgFlags
}

// PrepRecvMultishot prepares a multishot receive selecting buffers
// from the given provided-buffer group. No buffer pointer: the
// kernel picks one per completion and reports its id in CQE flags.
func (s *SQE) PrepRecvMultishot(fd int, group uint16) {
	s.prepRW(OpRecv, fd, 0, 0, 0)
	s.Ioprio |= RecvMultishot
	s.Flags |= SqeBufferSelect
	s.SetBufGroup(group)
}

// PrepAccept prepares a single-shot accept. addr/addrLen may be zero
// when the peer address is not wanted.
func (s *SQE) PrepAccept(fd int, addr, addrLen uintptr, acceptFlags uint32) {
	s.prepRW(OpAccept, fd, uint64(addr), 0, uint64(addrLen))
	s.OpFlags = acceptFlags
}

// PrepMultishotAccept prepares an accept that keeps producing
// completions until cancelled; the multishot bit lives in ioprio.
func (s *SQE) PrepMultishotAccept(fd int, addr, addrLen uintptr, acceptFlags uint32) {
	s.PrepAccept(fd, addr, addrLen, acceptFlags)
	s.Ioprio |= AcceptMultishot
}

// PrepConnect prepares a connect against a raw sockaddr of addrLen
// bytes.
func (s *SQE) PrepConnect(fd int, addr uintptr, addrLen uint64) {
	s.prepRW(OpConnect, fd, uint64(addr), 0, addrLen)
}

// PrepShutdown prepares a socket shutdown(how).
func (s *SQE) PrepShutdown(fd int, how int32) {
	s.prepRW(OpShutdown, fd, 0, uint32(how), 0)
}

// PrepClose prepares an fd close.
func (s *SQE) PrepClose(fd int) {
	s.prepRW(OpClose, fd, 0, 0, 0)
}

// PrepCancelFd prepares an async cancel of every pending operation
// on fd. Required before closing a connection with multishot
// operations armed.
func (s *SQE) PrepCancelFd(fd int, flags uint32) {
	s.prepRW(OpAsyncCancel, fd, 0, 0, 0)
	s.OpFlags = flags | AsyncCancelFd
}

// PrepTimeout prepares a standalone timeout op firing after ts.
func (s *SQE) PrepTimeout(ts *Timespec) {
	s.prepRW(OpTimeout, -1, uint64(uintptrOf(ts)), 1, 0)
}

// Link marks this entry as the head of a chain: the next SQE is not
// started until this one completes, and the chain breaks on the
// first failure.
func (s *SQE) Link() {
	s.Flags |= SqeIOLink
}

// Hardlink chains like Link but survives short transfers.
func (s *SQE) Hardlink() {
	s.Flags |= SqeIOHardlink
}

// SkipSuccess suppresses this entry's CQE if and only if the
// operation succeeds.
func (s *SQE) SkipSuccess() {
	s.Flags |= SqeCQESkipSuccess
}
