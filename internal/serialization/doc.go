// Package serialization implements the checkpoint format used to save and
// restore the parameters of one pipeline rank.
//
//	Format Structure:
//	  [0x00-0x03: Magic "PPCK"]
//	  [0x04-0x07: Version (uint32 LE)]
//	  [0x08-0x0B: Flags (uint32 LE)]
//	  [0x0C-0x0F: Reserved]
//	  [0x10-0x17: Header size (uint64 LE)]
//	  [0x18-0x1F: Data size (uint64 LE)]
//	  [0x20-0x3F: SHA-256 of header JSON followed by data]
//	  [Header: JSON metadata]
//	  [Padding to a 64-byte boundary]
//	  [Tensor data: float64 LE, tensors in name order]
//
// Example usage:
//
//	ckpt := serialization.NewCheckpoint("mlp")
//	ckpt.Add("0.weight", w)
//	if err := serialization.Save("rank0.ckpt", ckpt); err != nil {
//	    return err
//	}
//
//	loaded, err := serialization.Load("rank0.ckpt", tensor.CPU)
//	if err != nil {
//	    return err
//	}
//	err = loaded.Restore(map[string]*tensor.Tensor{"0.weight": w})
package serialization
