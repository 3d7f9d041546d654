package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sahib/f2cache/pagecache"
	"github.com/sahib/f2cache/vfs"
	log "github.com/sirupsen/logrus"
)

type stressRun struct {
	fs           *vfs.Filesystem
	workers      int
	duration     time.Duration
	maxFileSize  int64
	syncInterval time.Duration

	written     atomic.Int64
	read        atomic.Int64
	ops         atomic.Int64
	corrupted   atomic.Int64
	failed      atomic.Int64
	checkpoints atomic.Int64
	reclaimed   atomic.Int64
}

type stressResult struct {
	Took        time.Duration
	Ops         int64
	Written     int64
	Read        int64
	Failed      int64
	Corrupted   int64
	Checkpoints int64
	Reclaimed   int64
}

// shadowFile mirrors what a worker wrote to one file.
type shadowFile struct {
	v    *vfs.Vnode
	data []byte
}

func (sr *stressRun) fail(err error, what string) {
	sr.failed.Add(1)
	log.WithError(err).Warnf("%s failed", what)
}

func (sr *stressRun) verify(sf *shadowFile) {
	buf := make([]byte, len(sf.data))
	n, err := sf.v.ReadAt(buf, 0)
	if err != nil && n != len(buf) {
		sr.fail(err, "read")
		return
	}

	sr.read.Add(int64(n))
	if !bytes.Equal(buf[:n], sf.data) {
		sr.corrupted.Add(1)
		log.Errorf("vnode %d: read back wrong data", sf.v.Ino())
	}
}

func (sr *stressRun) step(rnd *rand.Rand, sf *shadowFile) {
	sr.ops.Add(1)

	switch op := rnd.Intn(10); {
	case op < 6:
		size := rnd.Int63n(4*pagecache.PageSize) + 1
		off := rnd.Int63n(sr.maxFileSize - size)
		buf := make([]byte, size)
		rnd.Read(buf)

		if _, err := sf.v.WriteAt(buf, off); err != nil {
			sr.fail(err, "write")
			return
		}

		if end := off + size; end > int64(len(sf.data)) {
			sf.data = append(sf.data, make([]byte, end-int64(len(sf.data)))...)
		}

		copy(sf.data[off:], buf)
		sr.written.Add(size)
	case op < 8:
		sr.verify(sf)
	case op < 9:
		size := rnd.Int63n(int64(len(sf.data)) + 1)
		if err := sf.v.Truncate(uint64(size)); err != nil {
			sr.fail(err, "truncate")
			return
		}

		sf.data = sf.data[:size]
	default:
		if err := sf.v.SyncFile(); err != nil {
			sr.fail(err, "fsync")
		}
	}
}

func (sr *stressRun) worker(seed int64, deadline time.Time) {
	rnd := rand.New(rand.NewSource(seed))
	for time.Now().Before(deadline) {
		v, err := sr.fs.Create(pagecache.PageTypeData)
		if err != nil {
			sr.fail(err, "create")
			return
		}

		sf := &shadowFile{v: v}
		for idx := 0; idx < 100 && time.Now().Before(deadline); idx++ {
			sr.step(rnd, sf)
		}

		sr.verify(sf)

		// Keep some files around for reclaim and checkpoints.
		if rnd.Intn(2) == 0 {
			if err := v.Unlink(); err != nil {
				sr.fail(err, "unlink")
			}
		}

		v.Release()
	}
}

func (sr *stressRun) background(stop <-chan struct{}) {
	ticker := time.NewTicker(sr.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sr.fs.SyncFs(); err != nil {
				sr.fail(err, "checkpoint")
				continue
			}

			sr.checkpoints.Add(1)
		default:
			sr.reclaimed.Add(int64(sr.fs.Reclaim(0)))
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Run runs the workload and waits for it to finish.
func (sr *stressRun) Run() stressResult {
	if sr.workers <= 0 {
		sr.workers = 1
	}

	if minSize := int64(8 * pagecache.PageSize); sr.maxFileSize < minSize {
		sr.maxFileSize = minSize
	}

	start := time.Now()
	deadline := start.Add(sr.duration)

	stop := make(chan struct{})
	bgDone := make(chan struct{})
	go func() {
		sr.background(stop)
		close(bgDone)
	}()

	wg := &sync.WaitGroup{}
	for idx := 0; idx < sr.workers; idx++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			sr.worker(seed, deadline)
		}(start.UnixNano() + int64(idx))
	}

	wg.Wait()
	close(stop)
	<-bgDone

	return stressResult{
		Took:        time.Since(start),
		Ops:         sr.ops.Load(),
		Written:     sr.written.Load(),
		Read:        sr.read.Load(),
		Failed:      sr.failed.Load(),
		Corrupted:   sr.corrupted.Load(),
		Checkpoints: sr.checkpoints.Load(),
		Reclaimed:   sr.reclaimed.Load(),
	}
}

func printResult(r stressResult, fs *vfs.Filesystem) {
	secs := r.Took.Seconds()
	if secs <= 0 {
		secs = 1
	}

	status := color.GreenString("OK")
	if r.Corrupted > 0 || r.Failed > 0 {
		status = color.RedString("FAILED")
	}

	fmt.Println()
	fmt.Println("Status:       ", status)
	fmt.Println("Took:         ", r.Took.Round(time.Millisecond))
	fmt.Println("Operations:   ", humanize.Comma(r.Ops))
	fmt.Printf("Written:       %s (%s/s)\n", humanize.IBytes(uint64(r.Written)), humanize.IBytes(uint64(float64(r.Written)/secs)))
	fmt.Printf("Read:          %s (%s/s)\n", humanize.IBytes(uint64(r.Read)), humanize.IBytes(uint64(float64(r.Read)/secs)))
	fmt.Println("Checkpoints:  ", humanize.Comma(r.Checkpoints))
	fmt.Println("Reclaimed:    ", humanize.Comma(r.Reclaimed), "pages")
	fmt.Println("Failed ops:   ", humanize.Comma(r.Failed))
	fmt.Println("Corrupted:    ", humanize.Comma(r.Corrupted))
	fmt.Println("Pages:        ", fs.Counters())
	fmt.Println("Memory:       ", fs.Pool().Stats())
}
