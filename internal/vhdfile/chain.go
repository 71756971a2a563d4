package vhdfile

// OpenParent resolves and opens this VHD's parent, if it is a
// differencing disk. Returns (nil, nil) for a root (non-differencing)
// image.
func (v *VHD) OpenParent(flags OpenFlags) (*VHD, error) {
	if !v.IsDifferencing() {
		return nil, nil
	}
	parentPath, err := v.ParentLocatorGet()
	if err != nil {
		return nil, err
	}
	return Open(parentPath, flags)
}
