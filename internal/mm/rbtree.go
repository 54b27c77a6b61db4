package mm

// vmaTree is a red-black tree of VMAs ordered by start address. The
// sentinel node stands in for every leaf so the rebalancing code never
// branches on nil.
type vmaTree struct {
	root *rbNode
	nil_ *rbNode
	size int
}

type rbNode struct {
	vma                 *VMA
	left, right, parent *rbNode
	red                 bool
}

func newVMATree() *vmaTree {
	s := &rbNode{}
	s.left, s.right, s.parent = s, s, s
	return &vmaTree{root: s, nil_: s}
}

func (t *vmaTree) rotateLeft(x *rbNode) {
	y := x.right
	x.right = y.left
	if y.left != t.nil_ {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == t.nil_:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *vmaTree) rotateRight(x *rbNode) {
	y := x.left
	x.left = y.right
	if y.right != t.nil_ {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == t.nil_:
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

// insert adds a node for v. Callers must have rejected overlaps already.
func (t *vmaTree) insert(v *VMA) *rbNode {
	z := &rbNode{vma: v, left: t.nil_, right: t.nil_, red: true}
	y := t.nil_
	x := t.root
	for x != t.nil_ {
		y = x
		if v.Start < x.vma.Start {
			x = x.left
		} else {
			x = x.right
		}
	}
	z.parent = y
	switch {
	case y == t.nil_:
		t.root = z
	case v.Start < y.vma.Start:
		y.left = z
	default:
		y.right = z
	}
	t.insertFixup(z)
	t.size++
	return z
}

func (t *vmaTree) insertFixup(z *rbNode) {
	for z.parent.red {
		if z.parent == z.parent.parent.left {
			y := z.parent.parent.right
			if y.red {
				z.parent.red = false
				y.red = false
				z.parent.parent.red = true
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					t.rotateLeft(z)
				}
				z.parent.red = false
				z.parent.parent.red = true
				t.rotateRight(z.parent.parent)
			}
		} else {
			y := z.parent.parent.left
			if y.red {
				z.parent.red = false
				y.red = false
				z.parent.parent.red = true
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rotateRight(z)
				}
				z.parent.red = false
				z.parent.parent.red = true
				t.rotateLeft(z.parent.parent)
			}
		}
	}
	t.root.red = false
}

func (t *vmaTree) transplant(u, v *rbNode) {
	switch {
	case u.parent == t.nil_:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	v.parent = u.parent
}

func (t *vmaTree) minimum(x *rbNode) *rbNode {
	for x.left != t.nil_ {
		x = x.left
	}
	return x
}

// remove deletes node z from the tree.
func (t *vmaTree) remove(z *rbNode) {
	y := z
	yWasRed := y.red
	var x *rbNode
	switch {
	case z.left == t.nil_:
		x = z.right
		t.transplant(z, z.right)
	case z.right == t.nil_:
		x = z.left
		t.transplant(z, z.left)
	default:
		y = t.minimum(z.right)
		yWasRed = y.red
		x = y.right
		if y.parent == z {
			x.parent = y
		} else {
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.red = z.red
	}
	if !yWasRed {
		t.removeFixup(x)
	}
	t.size--
}

func (t *vmaTree) removeFixup(x *rbNode) {
	for x != t.root && !x.red {
		if x == x.parent.left {
			w := x.parent.right
			if w.red {
				w.red = false
				x.parent.red = true
				t.rotateLeft(x.parent)
				w = x.parent.right
			}
			if !w.left.red && !w.right.red {
				w.red = true
				x = x.parent
			} else {
				if !w.right.red {
					w.left.red = false
					w.red = true
					t.rotateRight(w)
					w = x.parent.right
				}
				w.red = x.parent.red
				x.parent.red = false
				w.right.red = false
				t.rotateLeft(x.parent)
				x = t.root
			}
		} else {
			w := x.parent.left
			if w.red {
				w.red = false
				x.parent.red = true
				t.rotateRight(x.parent)
				w = x.parent.left
			}
			if !w.right.red && !w.left.red {
				w.red = true
				x = x.parent
			} else {
				if !w.left.red {
					w.right.red = false
					w.red = true
					t.rotateLeft(w)
					w = x.parent.left
				}
				w.red = x.parent.red
				x.parent.red = false
				w.left.red = false
				t.rotateRight(x.parent)
				x = t.root
			}
		}
	}
	x.red = false
}

// findContaining returns the VMA whose [Start, End) range covers addr.
func (t *vmaTree) findContaining(addr uint64) *VMA {
	x := t.root
	for x != t.nil_ {
		switch {
		case addr < x.vma.Start:
			x = x.left
		case addr >= x.vma.End:
			x = x.right
		default:
			return x.vma
		}
	}
	return nil
}

// findOverlap returns some VMA intersecting [start, end), or nil.
func (t *vmaTree) findOverlap(start, end uint64) *VMA {
	x := t.root
	for x != t.nil_ {
		if start < x.vma.End && x.vma.Start < end {
			return x.vma
		}
		if end <= x.vma.Start {
			x = x.left
		} else {
			x = x.right
		}
	}
	return nil
}

// findNode locates the node holding v, by start address.
func (t *vmaTree) findNode(v *VMA) *rbNode {
	x := t.root
	for x != t.nil_ {
		switch {
		case v.Start < x.vma.Start:
			x = x.left
		case v.Start > x.vma.Start:
			x = x.right
		default:
			return x
		}
	}
	return nil
}

// forEach visits every VMA in ascending start order.
func (t *vmaTree) forEach(fn func(v *VMA) bool) {
	var walk func(x *rbNode) bool
	walk = func(x *rbNode) bool {
		if x == t.nil_ {
			return true
		}
		if !walk(x.left) {
			return false
		}
		if !fn(x.vma) {
			return false
		}
		return walk(x.right)
	}
	walk(t.root)
}
