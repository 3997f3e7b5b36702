package journal

// Component F: the Reader (spec §4.F, §6 load_changesets). Reassembles
// chunks back into whole changesets for a requested from-serial range,
// transparently prepending the merged changeset when the request starts
// there.

// LoadChangesets reassembles every changeset from the given starting
// serial through last_serial. If from names the merged changeset, it is
// emitted first and the walk continues from its to-serial. Returns
// *not-found* if the starting point itself is absent; otherwise returns
// whatever prefix of the chain it could walk — a short result lets the
// caller detect a gap and fall back to a full zone transfer.
func (j *Journal) LoadChangesets(from Serial) ([]Changeset, error) {
	var out []Changeset
	walkErr := j.withTxn(false, func(t *txn) error {
		if t.shadow.flags.has(flagMergedSerialValid) && from == t.shadow.mergedSerial {
			mergedBucket, err := t.mergedBucket()
			if err != nil {
				return err
			}
			bundle, err := readOneChangeset(mergedBucket, from)
			if err != nil {
				return err
			}
			ch, err := j.codec.DeserializeChunks(bundle.from, bundle.to, bundle.chunks)
			if err != nil {
				return err
			}
			out = append(out, ch)
			from = bundle.to
		}

		if !t.shadow.flags.has(flagSerialToValid) {
			if len(out) == 0 {
				return NotFoundError("LoadChangesets: journal has no history")
			}
			return nil
		}

		dataBucket, err := t.dataBucket()
		if err != nil {
			return err
		}
		cur := dataBucket.Cursor()
		// A read-only walk never writes, so the backend's transaction-full
		// budget (a Put/Delete-only concept) can never trip here.
		return walkByChangeset(cur, from, t.shadow.lastSerial, noRefresh(), func(b changesetBundle) (bool, error) {
			ch, err := j.codec.DeserializeChunks(b.from, b.to, b.chunks)
			if err != nil {
				return false, err
			}
			out = append(out, ch)
			return false, nil
		})
	})

	if walkErr == nil {
		return out, nil
	}
	if IsNotFound(walkErr) && len(out) > 0 {
		// The chain stopped short after at least one hop succeeded: spec
		// §4.F calls this OK-with-a-partial-list, not an error.
		return out, nil
	}
	return nil, walkErr
}
