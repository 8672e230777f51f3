package vidfx

import "testing"

func TestFramePoolAccounting(t *testing.T) {
	pool := &FramePool{}

	a := pool.Get(64, 48)
	b := pool.Get(64, 48)
	if n := pool.Outstanding(); n != 2 {
		t.Fatalf("outstanding = %d, want 2", n)
	}

	a.Release()
	if n := pool.Outstanding(); n != 1 {
		t.Fatalf("outstanding = %d, want 1", n)
	}
	if !a.Released() {
		t.Error("Released() false after release")
	}

	// The second release is a recorded no-op.
	a.Release()
	if n := pool.Outstanding(); n != 1 {
		t.Errorf("outstanding after double release = %d", n)
	}
	if n := pool.DoubleReleases(); n != 1 {
		t.Errorf("double releases = %d, want 1", n)
	}

	b.Release()
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d, want 0", n)
	}
}

func TestFramePoolRecyclesBuffers(t *testing.T) {
	pool := &FramePool{}
	a := pool.Get(64, 48)
	y := &a.Y[0]
	a.Release()

	b := pool.Get(64, 48)
	if &b.Y[0] != y {
		t.Error("released buffer not recycled")
	}
	// A larger request cannot use the recycled buffer.
	b.Release()
	c := pool.Get(128, 96)
	if &c.Y[0] == y {
		t.Error("undersized buffer recycled for larger frame")
	}
	c.Release()
}

func TestFrameCloneIndependence(t *testing.T) {
	pool := &FramePool{}
	f := pool.Get(64, 48)
	f.PTS = 1000
	f.Duration = 33333
	f.Y[0] = 42

	c := f.Clone()
	if c.PTS != 1000 || c.Duration != 33333 || c.Y[0] != 42 {
		t.Errorf("clone lost data: PTS %d, Y[0] %d", c.PTS, c.Y[0])
	}

	f.Y[0] = 7
	if c.Y[0] != 42 {
		t.Error("clone shares pixel storage with source")
	}

	f.Release()
	if c.Released() {
		t.Error("clone released with source")
	}
	c.Release()
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d", n)
	}
}

func TestCloneIntoForeignPool(t *testing.T) {
	src := &FramePool{}
	dst := &FramePool{}

	f := src.Get(64, 48)
	f.Y[0] = 9
	c := f.CloneInto(dst)
	f.Release()

	if src.Outstanding() != 0 || dst.Outstanding() != 1 {
		t.Errorf("outstanding src=%d dst=%d", src.Outstanding(), dst.Outstanding())
	}
	if c.Y[0] != 9 {
		t.Error("pixel data lost")
	}
	c.Release()
	if dst.Outstanding() != 0 {
		t.Errorf("dst outstanding = %d", dst.Outstanding())
	}
}

func TestI420Size(t *testing.T) {
	if got := I420Size(64, 48); got != 64*48*3/2 {
		t.Errorf("I420Size(64,48) = %d", got)
	}
}
