// Package uring provides a minimal io_uring layer: ring setup over
// raw syscalls, mmap'd submission/completion queues, SQE preparation
// helpers and resource registration. It implements exactly what the
// transport backend needs and nothing else.
package uring

// Operation codes for SQEs (io_uring_op).
const (
	OpNop uint8 = iota
	OpReadv
	OpWritev
	OpFsync
	OpReadFixed
	OpWriteFixed
	OpPollAdd
	OpPollRemove
	OpSyncFileRange
	OpSendmsg
	OpRecvmsg
	OpTimeout
	OpTimeoutRemove
	OpAccept
	OpAsyncCancel
	OpLinkTimeout
	OpConnect
	OpFallocate
	OpOpenat
	OpClose
	OpFilesUpdate
	OpStatx
	OpRead
	OpWrite
	OpFadvise
	OpMadvise
	OpSend
	OpRecv
	OpOpenat2
	OpEpollCtl
	OpSplice
	OpProvideBuffers
	OpRemoveBuffers
	OpTee
	OpShutdown
	OpRenameat
	OpUnlinkat
	OpMkdirat
	OpSymlinkat
	OpLinkat
	OpMsgRing
	OpFsetxattr
	OpSetxattr
	OpFgetxattr
	OpGetxattr
	OpSocket
	OpUringCmd
	OpSendZC
	OpSendmsgZC

	opLast // sentinel for probe sizing
)

// SQE flags (IOSQE_*).
const (
	SqeFixedFile      uint8 = 1 << 0 // fd is an index into registered files
	SqeIODrain        uint8 = 1 << 1 // issue after all previous SQEs complete
	SqeIOLink         uint8 = 1 << 2 // link to next SQE, chain breaks on error
	SqeIOHardlink     uint8 = 1 << 3 // link that survives short results
	SqeAsync          uint8 = 1 << 4 // always punt to async workers
	SqeBufferSelect   uint8 = 1 << 5 // pick a buffer from BufGroup
	SqeCQESkipSuccess uint8 = 1 << 6 // no CQE when the op succeeds
)

// Setup flags (IORING_SETUP_*).
const (
	SetupIOPoll       uint32 = 1 << 0
	SetupSQPoll       uint32 = 1 << 1
	SetupSQAff        uint32 = 1 << 2
	SetupCQSize       uint32 = 1 << 3
	SetupClamp        uint32 = 1 << 4
	SetupAttachWQ     uint32 = 1 << 5
	SetupRDisabled    uint32 = 1 << 6
	SetupSubmitAll    uint32 = 1 << 7
	SetupCoopTaskrun  uint32 = 1 << 8
	SetupTaskrunFlag  uint32 = 1 << 9
	SetupSQE128       uint32 = 1 << 10
	SetupCQE32        uint32 = 1 << 11
	SetupSingleIssuer uint32 = 1 << 12
	SetupDeferTaskrun uint32 = 1 << 13
)

// Feature flags reported by io_uring_setup (IORING_FEAT_*).
const (
	FeatSingleMmap     uint32 = 1 << 0
	FeatNoDrop         uint32 = 1 << 1
	FeatSubmitStable   uint32 = 1 << 2
	FeatRWCurPos       uint32 = 1 << 3
	FeatCurPersonality uint32 = 1 << 4
	FeatFastPoll       uint32 = 1 << 5
	FeatPoll32Bits     uint32 = 1 << 6
	FeatSQPollNonfixed uint32 = 1 << 7
	FeatExtArg         uint32 = 1 << 8
	FeatNativeWorkers  uint32 = 1 << 9
	FeatRsrcTags       uint32 = 1 << 10
	FeatCQESkip        uint32 = 1 << 11
	FeatLinkedFile     uint32 = 1 << 12
	FeatRegRegRing     uint32 = 1 << 13
)

// io_uring_enter flags (IORING_ENTER_*).
const (
	EnterGetevents uint32 = 1 << 0
	EnterSQWakeup  uint32 = 1 << 1
	EnterSQWait    uint32 = 1 << 2
	EnterExtArg    uint32 = 1 << 3
)

// Register opcodes (IORING_REGISTER_*).
const (
	RegisterBuffers      uint32 = 0
	UnregisterBuffers    uint32 = 1
	RegisterFiles        uint32 = 2
	UnregisterFiles      uint32 = 3
	RegisterEventfd      uint32 = 4
	UnregisterEventfd    uint32 = 5
	RegisterProbe        uint32 = 8
	RegisterPbufRing     uint32 = 22
	UnregisterPbufRing   uint32 = 23
	RegisterSyncCancel   uint32 = 24
	RegisterFileAllocRng uint32 = 25
)

// CQE flags (IORING_CQE_F_*).
const (
	CQEFBuffer       uint32 = 1 << 0 // buffer id in the upper 16 bits of flags
	CQEFMore         uint32 = 1 << 1 // multishot will post more CQEs
	CQEFSockNonempty uint32 = 1 << 2 // socket holds more data
	CQEFNotif        uint32 = 1 << 3 // zero-copy notification, buffer reusable
)

// CQEBufferShift extracts the selected buffer id from CQE flags.
const CQEBufferShift = 16

// SQ ring flags.
const (
	SQNeedWakeup uint32 = 1 << 0
	SQCQOverflow uint32 = 1 << 1
	SQTaskrun    uint32 = 1 << 2
)

// Accept flags (ioprio field of an accept SQE).
const AcceptMultishot uint16 = 1 << 0

// Recv/send flags (ioprio field).
const (
	RecvsendPollFirst uint16 = 1 << 0
	RecvMultishot     uint16 = 1 << 1
	RecvsendFixedBuf  uint16 = 1 << 2
)

// Async-cancel flags.
const (
	AsyncCancelAll uint32 = 1 << 0
	AsyncCancelFd  uint32 = 1 << 1
	AsyncCancelAny uint32 = 1 << 2
)

// mmap offsets into the ring fd.
const (
	offSQRing uint64 = 0
	offCQRing uint64 = 0x8000000
	offSQEs   uint64 = 0x10000000
)

// ProbeOpSupported marks a supported opcode in a probe result.
const ProbeOpSupported uint16 = 1 << 0
