package telemetry

import "slices"

// Merge overlays incoming onto existing and returns the result. existing
// may be nil. Fields absent from incoming keep their prior value, null
// clears, and pieceSource is a key-wise union because the server does not
// repeat previously reported pieces. Neither input is modified.
func Merge(existing *JobSnapshot, incoming JobSnapshot) JobSnapshot {
	var out JobSnapshot
	if existing != nil {
		out = existing.Clone()
	}

	incoming.JobID.overlay(&out.JobID)
	incoming.InfoHash.overlay(&out.InfoHash)
	incoming.FileName.overlay(&out.FileName)
	incoming.Status.overlay(&out.Status)
	incoming.Progress.overlay(&out.Progress)
	incoming.CompletedPieces.overlay(&out.CompletedPieces)
	incoming.TotalPieces.overlay(&out.TotalPieces)
	incoming.OverallDownloadSpeed.overlay(&out.OverallDownloadSpeed)
	incoming.StartTime.overlay(&out.StartTime)
	incoming.LastUpdateTime.overlay(&out.LastUpdateTime)
	incoming.ErrorMessage.overlay(&out.ErrorMessage)
	incoming.FilePath.overlay(&out.FilePath)
	incoming.FileSize.overlay(&out.FileSize)

	if peers, ok := incoming.Peers.Get(); ok {
		out.Peers = Some(slices.Clone(peers))
	} else {
		incoming.Peers.overlay(&out.Peers)
	}

	if len(incoming.PieceSource) > 0 {
		if out.PieceSource == nil {
			out.PieceSource = make(PieceSource, len(incoming.PieceSource))
		}
		for piece, origin := range incoming.PieceSource {
			out.PieceSource[piece] = origin
		}
	}

	return out
}
