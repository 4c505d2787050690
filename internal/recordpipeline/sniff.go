package recordpipeline

import (
	"bytes"

	"github.com/medvault/custody/internal/domain"
)

var (
	pdfMagic    = []byte("%PDF")
	dicomMagic  = []byte("DICM")
	dicomOffset = 128
)

// sniffFileType corroborates declared with the first bytes of data when
// declared is domain.FileTypeOther, recognizing the PDF magic number and the
// DICOM preamble. It never overrides an explicit non-OTHER declaration.
func sniffFileType(data []byte, declared domain.FileType) domain.FileType {
	if declared != domain.FileTypeOther {
		return declared
	}
	if bytes.HasPrefix(data, pdfMagic) {
		return domain.FileTypePDF
	}
	if len(data) >= dicomOffset+len(dicomMagic) && bytes.Equal(data[dicomOffset:dicomOffset+len(dicomMagic)], dicomMagic) {
		return domain.FileTypeDICOM
	}
	return declared
}
