package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pg-repense/repense-api/internal/models"
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
	"github.com/pg-repense/repense-api/pkg/export"
)

type rosterEnrollmentReader interface {
	ListActiveByGroup(ctx context.Context, groupID string) ([]models.EnrollmentDetail, error)
}

type rosterGroupReader interface {
	FindByID(ctx context.Context, id string) (*models.Group, error)
}

// RosterFile is a rendered roster export ready for download.
type RosterFile struct {
	FileName    string
	ContentType string
	Content     []byte
}

// ReportService renders group rosters as CSV or PDF downloads.
type ReportService struct {
	enrollments rosterEnrollmentReader
	groups      rosterGroupReader
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
	logger      *zap.Logger
}

// NewReportService constructs the report service.
func NewReportService(enrollments rosterEnrollmentReader, groups rosterGroupReader, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{
		enrollments: enrollments,
		groups:      groups,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
	}
}

// Roster renders the group's active member list in the requested format
// ("csv" or "pdf").
func (s *ReportService) Roster(ctx context.Context, groupID, format string) (*RosterFile, error) {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrGroupNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}

	members, err := s.enrollments.ListActiveByGroup(ctx, groupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	data := export.Dataset{
		Headers: []string{"#", "Nome", "CPF", "Inscrito em"},
		Rows:    make([]map[string]string, 0, len(members)),
	}
	for i, member := range members {
		data.Rows = append(data.Rows, map[string]string{
			"#":           fmt.Sprintf("%d", i+1),
			"Nome":        member.StudentName,
			"CPF":         member.StudentCPF,
			"Inscrito em": member.CreatedAt.Format("02/01/2006"),
		})
	}

	base := fmt.Sprintf("roster-%s-%s", slugify(group.Name), time.Now().UTC().Format("20060102"))
	switch strings.ToLower(format) {
	case "csv", "":
		content, err := s.csv.Render(data)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv roster")
		}
		return &RosterFile{FileName: base + ".csv", ContentType: "text/csv", Content: content}, nil
	case "pdf":
		subtitle := fmt.Sprintf("%s | %s | %d/%d vagas", group.Program, group.City, group.EnrolledCount, group.Capacity)
		content, err := s.pdf.Render(data, group.Name, subtitle)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf roster")
		}
		return &RosterFile{FileName: base + ".pdf", ContentType: "application/pdf", Content: content}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported roster format")
	}
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_':
			return '-'
		}
		return -1
	}, slug)
	return strings.Trim(slug, "-")
}
