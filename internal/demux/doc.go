// Package demux scans raw H.264 Annex B elementary streams. It splits a
// byte stream into NAL units, groups them into access units, and classifies
// each access unit as an IDR keyframe or a dependent picture.
//
// The central type is [Scanner], which reads from an [io.Reader] in fixed
// chunks and yields [media.AccessUnit] records in file order. Codec-level
// parsing is provided by [ParseAnnexB] and [ParseSPS].
package demux
