package distributor

import (
	"fmt"

	"github.com/serverpki/serverpki/core"
)

// Bundle is the material of one issued instance, ready to be written. KeyPEM
// is the plain private key.
type Bundle struct {
	Name        string
	SubjectType core.SubjectType
	CertType    core.CertType
	// Infix is inserted into file names to tell apart the instances of a
	// dual algorithm certificate. It is empty for single algorithm ones.
	Infix    string
	CertDER  []byte
	ChainDER [][]byte
	KeyPEM   []byte
}

// NewBundle returns the bundle of inst, an instance of cert.
func NewBundle(cert *core.Certificate, inst *core.CertInstance, keyPEM []byte) Bundle {
	b := Bundle{
		Name:        cert.Name,
		SubjectType: cert.SubjectType,
		CertType:    cert.Type,
		CertDER:     inst.CertDER,
		ChainDER:    inst.ChainDER,
		KeyPEM:      keyPEM,
	}
	if b.SubjectType == "" {
		b.SubjectType = core.SubjectServer
	}
	if cert.Algorithm == core.AlgorithmRSAPlusEC && inst.KeyAlgorithm == core.KeyEC {
		b.Infix = "ec"
	}
	return b
}

// File is one rendered file.
type File struct {
	Name string
	Data []byte
	// Key is set for files holding the private key. They get the key mode.
	Key bool
	// KeyOnly is set for the file holding nothing but the key, which goes
	// to the place's key directory when it has one.
	KeyOnly bool
}

func (b Bundle) fileName(kind string) string {
	base := fmt.Sprintf("%s_%s", b.Name, b.SubjectType)
	if b.Infix != "" {
		base += "_" + b.Infix
	}
	return base + "_" + kind + ".pem"
}

func (b Bundle) certPEM() []byte {
	return core.CertPEM(b.CertDER)
}

func (b Bundle) caPEM() []byte {
	var out []byte
	for _, der := range b.ChainDER {
		out = append(out, core.CertPEM(der)...)
	}
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Render returns the files layout asks for, in a fixed order. Rendering the
// same bundle twice gives identical bytes.
func Render(b Bundle, layout core.Layout) ([]File, error) {
	if len(b.CertDER) == 0 {
		return nil, fmt.Errorf("%s has no certificate", b.Name)
	}
	needsKey := layout != core.LayoutCertOnly
	if needsKey && len(b.KeyPEM) == 0 {
		return nil, fmt.Errorf("%s has no private key", b.Name)
	}
	needsCA := layout == core.LayoutCombineCACert || layout == core.LayoutCombineBoth ||
		(b.CertType == core.CertTypeACME && (layout == core.LayoutSeparate || layout == core.LayoutCombineKey))
	if needsCA && len(b.ChainDER) == 0 {
		return nil, fmt.Errorf("%s has no CA certificate", b.Name)
	}

	cert, ca := b.certPEM(), b.caPEM()
	key := File{Name: b.fileName("key"), Data: b.KeyPEM, Key: true, KeyOnly: true}
	chain := File{Name: b.fileName("cert_cacert_chain"), Data: concat(cert, ca)}

	var files []File
	switch layout {
	case core.LayoutCertOnly:
		files = append(files, File{Name: b.fileName("cert"), Data: cert})
	case core.LayoutSeparate:
		files = append(files, key, File{Name: b.fileName("cert"), Data: cert})
		if b.CertType == core.CertTypeACME {
			files = append(files, chain)
		}
	case core.LayoutCombineKey:
		files = append(files, File{Name: b.fileName("key_cert"), Data: concat(b.KeyPEM, cert), Key: true})
		if b.CertType == core.CertTypeACME {
			files = append(files, chain)
		}
	case core.LayoutCombineCACert:
		files = append(files, key, File{Name: b.fileName("cert_cacert"), Data: concat(cert, ca)})
	case core.LayoutCombineBoth:
		files = append(files, File{Name: b.fileName("key_cert_cacert"), Data: concat(b.KeyPEM, cert, ca), Key: true})
	default:
		return nil, fmt.Errorf("unknown layout %q", layout)
	}
	return files, nil
}
