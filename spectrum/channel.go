package spectrum

// Channel is one analog input of a card.  It caches the vertical settings
// written during configuration so sample conversion does not touch registers.
type Channel struct {
	regs   RegisterInterface
	handle DeviceHandle

	index     int
	fullScale int

	rangeMV   int
	offsetPct int
}

// Index returns the channel index on its card
func (c *Channel) Index() int {
	return c.index
}

// EnableBit returns the channel's bit in the SPC_CHENABLE mask
func (c *Channel) EnableBit() int64 {
	return 1 << uint(c.index)
}

// SetVerticalRange sets the full-scale input range in millivolts
func (c *Channel) SetVerticalRange(mv int) error {
	err := c.regs.Write(c.handle, amplitudeRegister(c.index), int64(mv), Len32)
	if err != nil {
		return err
	}
	c.rangeMV = mv
	return nil
}

// VerticalRange returns the full-scale input range in millivolts
func (c *Channel) VerticalRange() (int, error) {
	v, err := c.regs.Read(c.handle, amplitudeRegister(c.index), Len32)
	if err != nil {
		return 0, err
	}
	c.rangeMV = int(v)
	return c.rangeMV, nil
}

// SetVerticalOffset sets the vertical offset as a percentage of the range
func (c *Channel) SetVerticalOffset(pct int) error {
	err := c.regs.Write(c.handle, offsetRegister(c.index), int64(pct), Len32)
	if err != nil {
		return err
	}
	c.offsetPct = pct
	return nil
}

// VerticalOffset returns the vertical offset as a percentage of the range
func (c *Channel) VerticalOffset() (int, error) {
	v, err := c.regs.Read(c.handle, offsetRegister(c.index), Len32)
	if err != nil {
		return 0, err
	}
	c.offsetPct = int(v)
	return c.offsetPct, nil
}

// Physical converts raw ADC counts to volts using the cached vertical
// settings: v = raw/fullScale*range + offset/100*range
func (c *Channel) Physical(raw []int16) []float64 {
	rangeV := float64(c.rangeMV) / 1e3
	offsetV := float64(c.offsetPct) / 100 * rangeV
	out := make([]float64, len(raw))
	for i := range raw {
		out[i] = float64(raw[i])/float64(c.fullScale)*rangeV + offsetV
	}
	return out
}
