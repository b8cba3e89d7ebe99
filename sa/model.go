package sa

import (
	"encoding/pem"
	"fmt"
	"time"

	"github.com/serverpki/serverpki/core"
)

// revisionModel is the singleton row describing the store.
type revisionModel struct {
	ID            int64 `db:"id"`
	SchemaVersion int   `db:"schemaVersion"`
	KeysEncrypted bool  `db:"keysEncrypted"`
}

type caModel struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	Subject    string    `db:"subject"`
	NotBefore  time.Time `db:"notBefore"`
	NotAfter   time.Time `db:"notAfter"`
	IsLocal    bool      `db:"isLocal"`
	CertDER    []byte    `db:"certDER"`
	CertDigest string    `db:"certDigest"`
	KeyPath    string    `db:"keyPath"`
	Retired    bool      `db:"retired"`
}

const caFields = "id, name, subject, notBefore, notAfter, isLocal, certDER, certDigest, keyPath, retired"

func caToModel(ca *core.CA) *caModel {
	return &caModel{
		ID:         ca.ID,
		Name:       ca.Name,
		Subject:    ca.Subject,
		NotBefore:  ca.NotBefore,
		NotAfter:   ca.NotAfter,
		IsLocal:    ca.IsLocal,
		CertDER:    ca.CertDER,
		CertDigest: core.Fingerprint256(ca.CertDER),
		KeyPath:    ca.KeyPath,
		Retired:    ca.Retired,
	}
}

func modelToCA(m *caModel) *core.CA {
	return &core.CA{
		ID:        m.ID,
		Name:      m.Name,
		Subject:   m.Subject,
		NotBefore: m.NotBefore,
		NotAfter:  m.NotAfter,
		IsLocal:   m.IsLocal,
		CertDER:   m.CertDER,
		KeyPath:   m.KeyPath,
		Retired:   m.Retired,
	}
}

// certificateModel is a row of certificates joined with its subject.
type certificateModel struct {
	ID              int64      `db:"id"`
	SubjectID       int64      `db:"subjectID"`
	Name            string     `db:"name"`
	SubjectType     string     `db:"subjectType"`
	AltNames        []string   `db:"altNames"`
	CertType        string     `db:"certType"`
	Algorithm       string     `db:"algorithm"`
	Disabled        bool       `db:"disabled"`
	CAID            int64      `db:"caID"`
	TLSAPrefixes    []string   `db:"tlsaPrefixes"`
	MustStaple      bool       `db:"mustStaple"`
	AuthorizedUntil *time.Time `db:"authorizedUntil"`
}

const certificateQuery = `
	SELECT c.id, c.subjectID, s.name AS name, s.type AS subjectType,
		c.altNames, c.certType, c.algorithm, c.disabled, c.caID,
		c.tlsaPrefixes, c.mustStaple, c.authorizedUntil
	FROM certificates AS c
	JOIN subjects AS s ON s.id = c.subjectID`

func modelToCertificate(m *certificateModel) *core.Certificate {
	return &core.Certificate{
		ID:              m.ID,
		SubjectID:       m.SubjectID,
		Name:            m.Name,
		SubjectType:     core.SubjectType(m.SubjectType),
		AltNames:        m.AltNames,
		Type:            core.CertType(m.CertType),
		Algorithm:       core.Algorithm(m.Algorithm),
		Disabled:        m.Disabled,
		CAID:            m.CAID,
		TLSAPrefixes:    m.TLSAPrefixes,
		MustStaple:      m.MustStaple,
		AuthorizedUntil: m.AuthorizedUntil,
	}
}

type placeModel struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"`
	Layout        string `db:"layout"`
	Target        string `db:"target"`
	Host          string `db:"host"`
	Jail          string `db:"jail"`
	CertPath      string `db:"certPath"`
	KeyPath       string `db:"keyPath"`
	UID           int    `db:"uid"`
	GID           int    `db:"gid"`
	Mode          uint32 `db:"mode"`
	ChownBoth     bool   `db:"chownBoth"`
	PGLink        bool   `db:"pgLink"`
	ReloadCommand string `db:"reloadCommand"`
	Bucket        string `db:"bucket"`
	Enabled       bool   `db:"enabled"`
}

const placeFields = "p.id, p.name, p.layout, p.target, p.host, p.jail, p.certPath, p.keyPath, p.uid, p.gid, p.mode, p.chownBoth, p.pgLink, p.reloadCommand, p.bucket, p.enabled"

func modelToPlace(m *placeModel) *core.Place {
	return &core.Place{
		ID:            m.ID,
		Name:          m.Name,
		Layout:        core.Layout(m.Layout),
		Target:        core.TargetKind(m.Target),
		Host:          m.Host,
		Jail:          m.Jail,
		CertPath:      m.CertPath,
		KeyPath:       m.KeyPath,
		UID:           m.UID,
		GID:           m.GID,
		Mode:          m.Mode,
		ChownBoth:     m.ChownBoth,
		PGLink:        m.PGLink,
		ReloadCommand: m.ReloadCommand,
		Bucket:        m.Bucket,
		Enabled:       m.Enabled,
	}
}

// instanceModel is the description of a core.CertInstance in the database.
// Validity bounds are NULL until the instance is issued.
type instanceModel struct {
	ID            int64      `db:"id"`
	CertificateID int64      `db:"certificateID"`
	Serial        string     `db:"serial"`
	NotBefore     *time.Time `db:"notBefore"`
	NotAfter      *time.Time `db:"notAfter"`
	KeyAlgorithm  string     `db:"keyAlgorithm"`
	CertDER       []byte     `db:"certDER"`
	KeyPEM        []byte     `db:"keyPEM"`
	ChainPEM      []byte     `db:"chainPEM"`
	State         string     `db:"state"`
	CAID          int64      `db:"caID"`
	TLSAHash      string     `db:"tlsaHash"`
	Created       time.Time  `db:"created"`
	Activated     *time.Time `db:"activated"`
}

const instanceFields = "id, certificateID, serial, notBefore, notAfter, keyAlgorithm, certDER, keyPEM, chainPEM, state, caID, tlsaHash, created, activated"

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func instanceToModel(ci *core.CertInstance) *instanceModel {
	return &instanceModel{
		ID:            ci.ID,
		CertificateID: ci.CertificateID,
		Serial:        ci.Serial,
		NotBefore:     timeOrNil(ci.NotBefore),
		NotAfter:      timeOrNil(ci.NotAfter),
		KeyAlgorithm:  string(ci.KeyAlgorithm),
		CertDER:       ci.CertDER,
		KeyPEM:        ci.KeyPEM,
		ChainPEM:      encodeChain(ci.ChainDER),
		State:         string(ci.State),
		CAID:          ci.CAID,
		TLSAHash:      ci.TLSAHash,
		Created:       ci.Created,
		Activated:     ci.Activated,
	}
}

func modelToInstance(m *instanceModel) (*core.CertInstance, error) {
	chain, err := decodeChain(m.ChainPEM)
	if err != nil {
		return nil, fmt.Errorf("instance %d: %w", m.ID, err)
	}
	return &core.CertInstance{
		ID:            m.ID,
		CertificateID: m.CertificateID,
		Serial:        m.Serial,
		NotBefore:     timeOrZero(m.NotBefore),
		NotAfter:      timeOrZero(m.NotAfter),
		KeyAlgorithm:  core.KeyAlgorithm(m.KeyAlgorithm),
		CertDER:       m.CertDER,
		KeyPEM:        m.KeyPEM,
		ChainDER:      chain,
		State:         core.InstanceState(m.State),
		CAID:          m.CAID,
		TLSAHash:      m.TLSAHash,
		Created:       m.Created,
		Activated:     m.Activated,
	}, nil
}

func encodeChain(chain [][]byte) []byte {
	var out []byte
	for _, der := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return out
}

func decodeChain(data []byte) ([][]byte, error) {
	var chain [][]byte
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q in chain", block.Type)
		}
		chain = append(chain, block.Bytes)
	}
	return chain, nil
}
