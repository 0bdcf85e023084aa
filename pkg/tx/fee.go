package tx

// FeeRate returns fee / serialized_size, the ordering key the mempool uses
// (spec.md §4.5). Serialized size is measured over the canonical bytes used
// for txid derivation, which is a stable proxy for on-wire size.
func (tx *Transaction) FeeRate() float64 {
	size := len(tx.CanonicalBytes())
	if size == 0 {
		return 0
	}
	return float64(tx.Fee) / float64(size)
}

// SerializedSize returns the canonical encoding length in bytes.
func (tx *Transaction) SerializedSize() int {
	return len(tx.CanonicalBytes())
}
